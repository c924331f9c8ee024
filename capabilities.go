package xferdisk

import "context"

// negotiate probes the endpoint once per device. Modern imageio answers
// with a features list and never needs the ticket on data requests. Legacy
// servers answer 405 or 204, and then zero, trim and flush stay off and
// zero is emulated. A failed probe fails the device.
func (d *Device) negotiate(ctx context.Context) error {
	if d.gotOptions {
		return nil
	}

	d.gotOptions = true

	f, err := d.tc.Options(ctx)
	if err != nil {
		return d.fail(ctx, err)
	}

	if f == nil {
		d.log.Debug("legacy transfer endpoint, emulating zero")
		return nil
	}

	d.tc.needsAuth = false

	d.canZero = f.Has("zero")
	d.canTrim = f.Has("trim")
	d.canFlush = f.Has("flush")

	d.log.Debug("negotiated transfer features",
		"zero", d.canZero, "trim", d.canTrim, "flush", d.canFlush)

	return nil
}

func (d *Device) CanTrim(ctx context.Context) (bool, error) {
	if err := d.negotiate(ctx); err != nil {
		return false, err
	}

	return d.canTrim, nil
}

func (d *Device) CanFlush(ctx context.Context) (bool, error) {
	if err := d.negotiate(ctx); err != nil {
		return false, err
	}

	return d.canFlush, nil
}
