package bridge

import (
	"github.com/ardnew/cardbridge/msc"
)

// Adapter registers the bridge with the mass-storage class and converts
// class callbacks into translator calls.
type Adapter struct {
	class      MassStorageClass
	translator *Translator
	startStop  msc.StartStopFunc

	vendor   string
	product  string
	revision string
}

// NewAdapter creates an adapter that routes class I/O to translator and
// START STOP UNIT to startStop, identifying itself with cfg's strings.
func NewAdapter(class MassStorageClass, translator *Translator, startStop msc.StartStopFunc, cfg Config) *Adapter {
	return &Adapter{
		class:      class,
		translator: translator,
		startStop:  startStop,
		vendor:     cfg.VendorID,
		product:    cfg.ProductID,
		revision:   cfg.Revision,
	}
}

// Configure sets the identity strings and binds the callbacks. It is
// called on every mount; nothing is unbound on unmount.
func (a *Adapter) Configure() {
	a.class.SetVendorID(a.vendor)
	a.class.SetProductID(a.product)
	a.class.SetProductRevision(a.revision)
	a.class.OnRead(a.Read)
	a.class.OnWrite(a.Write)
	a.class.OnStartStop(a.startStop)
}

// Read is the class read callback.
func (a *Adapter) Read(lba, offset uint32, buf []byte) error {
	return a.translator.Read(uint64(lba), offset, buf)
}

// Write is the class write callback.
func (a *Adapter) Write(lba, offset uint32, buf []byte) error {
	return a.translator.Write(uint64(lba), offset, buf)
}
