package ioapic

import "encoding/gob"

func init() {
	gob.Register(&snapshot{})
}
