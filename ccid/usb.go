package ccid

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// usbDevice is a USBInterface on top of libusb.
type usbDevice struct {
	ctx        *gousb.Context
	dev        *gousb.Device
	cfg        *gousb.Config
	intf       *gousb.Interface
	in         *gousb.InEndpoint
	out        *gousb.OutEndpoint
	setting    gousb.InterfaceSetting
	inAddress  int
	outAddress int
}

// OpenUSB returns an Opener for the first reader with the given vendor and product ID
// that has an interface of the smart card device class.
func OpenUSB(vid, pid uint16) Opener {
	return func() (USBInterface, error) {
		ctx := gousb.NewContext()

		dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
		if err != nil {
			_ = ctx.Close()
			return nil, errors.Wrapf(err, "open device %04x:%04x", vid, pid)
		}

		if dev == nil {
			_ = ctx.Close()
			return nil, errors.Errorf("no device %04x:%04x found", vid, pid)
		}

		if err = dev.SetAutoDetach(true); err != nil {
			_ = dev.Close()
			_ = ctx.Close()

			return nil, errors.Wrap(err, "enable auto detach of kernel driver")
		}

		u := &usbDevice{ctx: ctx, dev: dev}

		cfgNum, err := u.findInterface()
		if err != nil {
			_ = u.Close()
			return nil, err
		}

		u.cfg, err = dev.Config(cfgNum)
		if err != nil {
			_ = u.Close()
			return nil, errors.Wrapf(err, "select configuration %d", cfgNum)
		}

		return u, nil
	}
}

// ListUSB returns the vendor and product IDs of all connected devices with a smart card interface.
func ListUSB() ([][2]uint16, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var ids [][2]uint16

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if hasSmartCardInterface(desc) {
			ids = append(ids, [2]uint16{uint16(desc.Vendor), uint16(desc.Product)})
		}

		return false
	})
	for _, dev := range devs {
		_ = dev.Close()
	}

	if err != nil {
		return nil, errors.Wrap(err, "enumerate devices")
	}

	return ids, nil
}

func hasSmartCardInterface(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassSmartCard {
					return true
				}
			}
		}
	}

	return false
}

// findInterface finds the smart card interface with a bulk-in and a bulk-out endpoint
// and returns the number of its configuration.
func (u *usbDevice) findInterface() (int, error) {
	for _, cfg := range u.dev.Desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != gousb.ClassSmartCard {
					continue
				}

				in, out := -1, -1

				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}

					if ep.Direction == gousb.EndpointDirectionIn {
						in = ep.Number
					} else {
						out = ep.Number
					}
				}

				if in >= 0 && out >= 0 {
					u.setting, u.inAddress, u.outAddress = alt, in, out
					return cfg.Number, nil
				}
			}
		}
	}

	return 0, errors.New("device has no smart card interface with bulk endpoints")
}

func (u *usbDevice) Claim() error {
	intf, err := u.cfg.Interface(u.setting.Number, u.setting.Alternate)
	if err != nil {
		return errors.Wrapf(err, "claim interface %d", u.setting.Number)
	}

	in, err := intf.InEndpoint(u.inAddress)
	if err != nil {
		intf.Close()
		return errors.Wrap(err, "open bulk-in endpoint")
	}

	out, err := intf.OutEndpoint(u.outAddress)
	if err != nil {
		intf.Close()
		return errors.Wrap(err, "open bulk-out endpoint")
	}

	u.intf, u.in, u.out = intf, in, out

	return nil
}

func (u *usbDevice) Release() error {
	if u.intf != nil {
		u.intf.Close()
		u.intf, u.in, u.out = nil, nil, nil
	}

	return nil
}

func (u *usbDevice) Write(b []byte, timeout time.Duration) (int, error) {
	if u.out == nil {
		return 0, ErrReclaimInterface
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := u.out.WriteContext(ctx, b)

	return n, mapUSBError(err)
}

func (u *usbDevice) Read(b []byte, timeout time.Duration) (int, error) {
	if u.in == nil {
		return 0, ErrReclaimInterface
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := u.in.ReadContext(ctx, b)

	return n, mapUSBError(err)
}

func (u *usbDevice) Close() error {
	_ = u.Release()

	var errs []error

	if u.cfg != nil {
		errs = append(errs, u.cfg.Close())
	}

	if u.dev != nil {
		errs = append(errs, u.dev.Close())
	}

	if u.ctx != nil {
		errs = append(errs, u.ctx.Close())
	}

	u.cfg, u.dev, u.ctx = nil, nil, nil

	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "close device")
		}
	}

	return nil
}

// mapUSBError marks stalled and busy endpoints, which require the interface to be claimed again.
func mapUSBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gousb.ErrorPipe) || errors.Is(err, gousb.ErrorBusy) || errors.Is(err, gousb.TransferStall) {
		return ReclaimError{Cause: err}
	}

	return err
}
