package bridge

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/cardbridge/usb"
)

func TestStatusUnmounted(t *testing.T) {
	f := newFixture(t, 512, 16)

	s := f.bridge.Status()
	require.Equal(t, "unmounted", s.State)
	require.False(t, s.Mounted)
	require.False(t, s.UsbOnline)
	require.Zero(t, s.SectorSize)
	require.Zero(t, s.SectorCount)
	require.Zero(t, s.Generation)
	require.True(t, s.MountedAt.IsZero())
	require.Equal(t, DefaultVendorID, s.VendorID)
	require.Equal(t, DefaultProductID, s.ProductID)
	require.Equal(t, DefaultRevision, s.Revision)
}

func TestStatusMounted(t *testing.T) {
	f := newFixture(t, 4096, 32)
	f.bridge.AttachUsbEvents()
	f.mount(t)
	f.stack.emit(usb.EventStarted)

	require.NoError(t, f.bridge.Translator().Read(1, 7, make([]byte, 10)))

	s := f.bridge.Status()
	require.Equal(t, "mounted", s.State)
	require.True(t, s.Mounted)
	require.True(t, s.UsbOnline)
	require.Equal(t, uint32(4096), s.SectorSize)
	require.Equal(t, uint64(32), s.SectorCount)
	require.Equal(t, uint64(1), s.Generation)
	require.False(t, s.MountedAt.IsZero())
	require.False(t, s.LinkChanged.IsZero())
	require.Equal(t, uint64(1), s.Stats.Requests)
	require.Equal(t, uint64(1), s.Stats.SectorReads)

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "mounted", decoded["state"])
	require.Equal(t, true, decoded["usb_online"])
	require.Equal(t, float64(4096), decoded["sector_size"])
	require.Contains(t, decoded, "stats")
}

func TestOnChange(t *testing.T) {
	f := newFixture(t, 512, 16)
	f.bridge.AttachUsbEvents()

	var mu sync.Mutex
	var seen []Status
	f.bridge.OnChange(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	require.True(t, f.bridge.Mount())
	f.stack.emit(usb.EventStarted)
	f.stack.emit(usb.EventStarted)
	f.bridge.Unmount()
	f.bridge.Unmount()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	require.True(t, seen[0].Mounted)
	require.False(t, seen[0].UsbOnline)
	require.True(t, seen[1].Mounted)
	require.True(t, seen[1].UsbOnline)
	require.False(t, seen[2].Mounted)
	require.True(t, seen[2].UsbOnline)
}

func TestFailedMountDoesNotNotify(t *testing.T) {
	f := newFixture(t, 512, 16)
	f.card.SetPresent(false)

	fired := false
	f.bridge.OnChange(func(Status) { fired = true })

	require.False(t, f.bridge.Mount())
	require.False(t, fired)
}
