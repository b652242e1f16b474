// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package linuxmmc adapts the Linux mmc_block passthrough ioctl
// (MMC_IOC_CMD) into hwio.SDHost, for running sdmmc against a real
// /dev/mmcblkN device from a hosted kernel instead of a bare-metal uSDHC
// controller.
package linuxmmc

import (
	"encoding/binary"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbarmory/sdnor/hwio"
)

// mmcBlockMajor is MMC_BLOCK_MAJOR from <linux/major.h>, used to build
// the MMC_IOC_CMD ioctl request code below.
const mmcBlockMajor = 179

// mmcIocCmd mirrors struct mmc_ioc_cmd from <linux/mmc/ioctl.h>. The
// trailing union (sectors_addr / data_ptr) is modelled as its wider
// __u64 member with the compiler-inserted alignment padding made
// explicit, matching the kernel's __attribute__((aligned(8))) union.
type mmcIocCmd struct {
	WriteFlag      int32
	IsACmd         int32
	Opcode         uint32
	Arg            uint32
	Response       [4]uint32
	Flags          uint32
	Blksize        uint32
	Blocks         uint32
	PostsleepMinUs uint32
	PostsleepMaxUs uint32
	DataTimeoutNs  uint32
	CmdTimeoutMs   uint32
	pad            uint32
	DataPtr        uint64
}

const (
	iocDirReadWrite = 3 // _IOC_READ | _IOC_WRITE
	iocNRCmd        = 0
)

// mmcIocCmdRequest reproduces _IOWR(MMC_BLOCK_MAJOR, 0, struct mmc_ioc_cmd)
// from <linux/mmc/ioctl.h>.
const mmcIocCmdRequest = uintptr(iocDirReadWrite)<<30 | uintptr(mmcBlockMajor)<<8 | iocNRCmd | uintptr(unsafe.Sizeof(mmcIocCmd{}))<<16

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Adapter implements hwio.SDHost over a Linux /dev/mmcblkN node.
//
// SendCmd, SetDataPointer, SetHWBlockLen and SetHWNumBlocks only stage a
// pending mmc_ioc_cmd; the single combined command+data ioctl fires from
// SendCmd once all of them have been set (mirroring the order sdmmc
// itself uses: SetHWBlockLen, SetHWNumBlocks, SetDataPointer, SendCmd,
// then ReadData/WriteData). ReadData/WriteData are therefore no-ops: the
// kernel already transferred the data in-place against the buffer
// SetDataPointer staged.
type Adapter struct {
	fd int

	pendingAppCmd bool

	blockLen  int
	numBlocks int
	dataPtr   []byte

	lastResponse [4]uint32
	responseMs   uint32
}

// Open opens path (typically /dev/mmcblkN) for passthrough ioctl access.
func Open(path string) (*Adapter, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Adapter{fd: fd}, nil
}

// Close releases the underlying file descriptor.
func (a *Adapter) Close() error {
	return unix.Close(a.fd)
}

func (a *Adapter) InitHW() error { return nil }

func (a *Adapter) IsPresent() bool { return true }

func (a *Adapter) IsWriteProtected() bool { return false }

// SetMaxClock is a no-op: clocking is owned by the kernel's mmc_block/
// mmc_host stack, not configurable through the passthrough ioctl.
func (a *Adapter) SetMaxClock(kHz int, flags hwio.ClockFlags) (int, error) {
	return kHz, nil
}

func (a *Adapter) SetResponseTimeout(d time.Duration) {
	a.responseMs = uint32(d.Milliseconds())
}

func (a *Adapter) SetReadDataTimeout(d time.Duration) {}

func (a *Adapter) SendCmd(index uint32, flags hwio.CmdFlags, rsp hwio.ResponseFormat, arg uint32) error {
	if index == 55 && !a.pendingAppCmd {
		// The kernel's is_acmd flag handles the CMD55 prefix itself;
		// record the arm and skip issuing this CMD55 as a real ioctl.
		a.pendingAppCmd = true
		a.lastResponse = [4]uint32{}
		return nil
	}

	isACmd := a.pendingAppCmd
	a.pendingAppCmd = false

	cmd := mmcIocCmd{
		Opcode:       index,
		Arg:          arg,
		Blksize:      uint32(a.blockLen),
		Blocks:       uint32(a.numBlocks),
		CmdTimeoutMs: a.responseMs,
	}

	if isACmd {
		cmd.IsACmd = 1
	}

	if flags.HasData && len(a.dataPtr) > 0 {
		if flags.Write {
			cmd.WriteFlag = 1
		}
		cmd.DataPtr = uint64(uintptr(unsafe.Pointer(&a.dataPtr[0])))
	}

	if err := ioctl(a.fd, mmcIocCmdRequest, uintptr(unsafe.Pointer(&cmd))); err != nil {
		return err
	}

	a.lastResponse = cmd.Response
	a.dataPtr = nil

	return nil
}

func (a *Adapter) GetResponse(buf []byte) error {
	for i := 0; i*4 < len(buf); i++ {
		binary.BigEndian.PutUint32(buf[i*4:], a.lastResponse[i])
	}
	return nil
}

func (a *Adapter) SetDataPointer(buf []byte) error {
	a.dataPtr = buf
	return nil
}

func (a *Adapter) SetHWBlockLen(n int) error {
	a.blockLen = n
	return nil
}

func (a *Adapter) SetHWNumBlocks(n int) error {
	a.numBlocks = n
	return nil
}

func (a *Adapter) ReadData(buf []byte) error  { return nil }
func (a *Adapter) WriteData(buf []byte) error { return nil }

// GetMaxReadBurst and GetMaxWriteBurst report a conservative block count
// per mmc_ioc_cmd call (256 KiB at 512-byte sectors); the kernel clamps
// further against the host controller's actual segment size.
func (a *Adapter) GetMaxReadBurst() int  { return 512 }
func (a *Adapter) GetMaxWriteBurst() int { return 512 }
