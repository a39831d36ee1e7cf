package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// tunOffset is the headroom wireguard/tun needs in front of each packet
// (virtio-net header on Linux, AF header on macOS).
const tunOffset = 16

// WireguardTUN implements TunDevice on top of golang.zx2c4.com/wireguard/tun,
// which provides TUN on Linux, utun on macOS and WinTUN on Windows.
// The device may return several packets per read (GSO batches on Linux);
// they are queued and handed out one at a time.
type WireguardTUN struct {
	dev  tun.Device
	name string
	mtu  int

	readMu  sync.Mutex
	bufs    [][]byte
	sizes   []int
	pending int // packets left in bufs
	next    int // index of the next packet to return

	writeMu  sync.Mutex
	writeBuf []byte

	closeOnce sync.Once
}

// OpenWireguardTUN creates the interface. On macOS name must be "utun"
// (the kernel assigns utunN); Name() reports the actual interface name.
func OpenWireguardTUN(name string, mtu int) (*WireguardTUN, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %q: %w", name, err)
	}
	realName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("tun name: %w", err)
	}
	if m, err := dev.MTU(); err == nil && m > 0 {
		mtu = m
	}

	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	t := &WireguardTUN{
		dev:      dev,
		name:     realName,
		mtu:      mtu,
		bufs:     make([][]byte, batch),
		sizes:    make([]int, batch),
		writeBuf: make([]byte, tunOffset+65535),
	}
	for i := range t.bufs {
		t.bufs[i] = make([]byte, tunOffset+65535)
	}
	return t, nil
}

// Name returns the OS interface name.
func (t *WireguardTUN) Name() string { return t.name }

// MTU returns the interface MTU.
func (t *WireguardTUN) MTU() int { return t.mtu }

// ReadPacket reads one IP packet into buf.
func (t *WireguardTUN) ReadPacket(buf []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for t.pending == 0 {
		n, err := t.dev.Read(t.bufs, t.sizes, tunOffset)
		if err != nil {
			if errors.Is(err, tun.ErrTooManySegments) {
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}
		t.pending = n
		t.next = 0
	}

	i := t.next
	t.next++
	t.pending--
	n := copy(buf, t.bufs[i][tunOffset:tunOffset+t.sizes[i]])
	return n, nil
}

// WritePacket writes one IP packet to the interface.
func (t *WireguardTUN) WritePacket(pkt []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if len(pkt) > len(t.writeBuf)-tunOffset {
		return fmt.Errorf("packet too large: %d", len(pkt))
	}
	b := t.writeBuf[:tunOffset+len(pkt)]
	clear(b[:tunOffset])
	copy(b[tunOffset:], pkt)
	_, err := t.dev.Write([][]byte{b}, tunOffset)
	return err
}

// Close tears down the interface. Safe to call more than once.
func (t *WireguardTUN) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.dev.Close()
	})
	return err
}
