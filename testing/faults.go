package testing

import (
	"fmt"
	"sync"

	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
)

// FaultyDevice wraps a block device and makes writes to selected blocks fail,
// for exercising error paths.
type FaultyDevice struct {
	c.BlockDevice
	failingWrites map[c.PhysicalBlock]bool
	failAllWrites bool
	failAllReads  bool
	lock          sync.Mutex
}

func NewFaultyDevice(device c.BlockDevice) *FaultyDevice {
	return &FaultyDevice{
		BlockDevice:   device,
		failingWrites: map[c.PhysicalBlock]bool{},
	}
}

// FailWritesTo makes every subsequent write to `index` fail with
// [errors.ErrIOFailed].
func (device *FaultyDevice) FailWritesTo(index c.PhysicalBlock) {
	device.lock.Lock()
	defer device.lock.Unlock()
	device.failingWrites[index] = true
}

// SetFailAll makes all reads and/or writes fail until it's called again with
// false.
func (device *FaultyDevice) SetFailAll(reads, writes bool) {
	device.lock.Lock()
	defer device.lock.Unlock()
	device.failAllReads = reads
	device.failAllWrites = writes
}

// Heal clears all injected faults.
func (device *FaultyDevice) Heal() {
	device.lock.Lock()
	defer device.lock.Unlock()
	device.failingWrites = map[c.PhysicalBlock]bool{}
	device.failAllReads = false
	device.failAllWrites = false
}

func (device *FaultyDevice) ReadBlock(index c.PhysicalBlock, buffer []byte) error {
	device.lock.Lock()
	fail := device.failAllReads
	device.lock.Unlock()

	if fail {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("injected read failure on block %d", index))
	}
	return device.BlockDevice.ReadBlock(index, buffer)
}

func (device *FaultyDevice) WriteBlock(index c.PhysicalBlock, buffer []byte) error {
	device.lock.Lock()
	fail := device.failAllWrites || device.failingWrites[index]
	device.lock.Unlock()

	if fail {
		return errors.ErrIOFailed.WithMessage(
			fmt.Sprintf("injected write failure on block %d", index))
	}
	return device.BlockDevice.WriteBlock(index, buffer)
}
