package pcidummy

import "encoding/gob"

func init() {
	gob.Register(&dummySnapshot{})
}
