package blockdev

import (
	"context"
	"fmt"
	"strconv"
)

// Attr is one named entry in a device's attribute registry. Values cross
// this boundary as decimal text; all parsing and formatting lives here,
// never in the lifecycle or counter logic.
type Attr struct {
	// Name is the attribute key, e.g. "capacity" or "count.reads".
	Name string

	// Read returns the attribute value as decimal text. Nil for
	// write-only attributes.
	Read func() (string, error)

	// Write applies a decimal text value. Nil for read-only attributes.
	// The context bounds the one blocking write path (reset's I/O
	// drain).
	Write func(ctx context.Context, value string) error
}

// Attrs returns the device's attribute registry in stable order.
func (d *Device) Attrs() []Attr {
	return d.attrs
}

// Attr looks up one attribute by name.
func (d *Device) Attr(name string) (Attr, error) {
	i, ok := d.attrIndex[name]
	if !ok {
		return Attr{}, fmt.Errorf("%w: %q", ErrUnknownAttribute, name)
	}
	return d.attrs[i], nil
}

// ReadAttr reads one attribute by name.
func (d *Device) ReadAttr(name string) (string, error) {
	a, err := d.Attr(name)
	if err != nil {
		return "", err
	}
	if a.Read == nil {
		return "", fmt.Errorf("%w: %q", ErrAttributeWriteOnly, name)
	}
	return a.Read()
}

// WriteAttr writes one attribute by name. Values that fail decimal
// parsing fail with ErrInvalidArgument.
func (d *Device) WriteAttr(ctx context.Context, name, value string) error {
	a, err := d.Attr(name)
	if err != nil {
		return err
	}
	if a.Write == nil {
		return fmt.Errorf("%w: %q", ErrAttributeReadOnly, name)
	}
	return a.Write(ctx, value)
}

// buildAttrs constructs the static attribute table. Called once from
// NewDevice.
func (d *Device) buildAttrs() {
	d.attrs = []Attr{
		{
			Name: "capacity",
			Read: func() (string, error) {
				return formatUint(d.Capacity()), nil
			},
			Write: func(_ context.Context, value string) error {
				bytes, err := parseUint(value)
				if err != nil {
					return err
				}
				return d.SetCapacity(bytes)
			},
		},
		{
			Name: "initialized",
			Read: func() (string, error) {
				if d.Initialized() {
					return "1", nil
				}
				return "0", nil
			},
		},
		{
			Name: "reset",
			Write: func(ctx context.Context, value string) error {
				v, err := parseUint(value)
				if err != nil {
					return err
				}
				// A zero value is an unconfirmed reset.
				return d.Reset(ctx, v != 0)
			},
		},
		d.countAttr("count.reads", StatReads),
		d.countAttr("count.writes", StatWrites),
		d.countAttr("count.invalidIO", StatInvalidIO),
		d.countAttr("count.notifyFree", StatNotifyFree),
		d.countAttr("count.discard", StatDiscard),
		d.countAttr("count.zeroPages", StatZeroPages),
		{
			Name: "bytes.original",
			Read: func() (string, error) {
				return formatUint(d.OrigDataSize()), nil
			},
		},
		{
			Name: "bytes.compressed",
			Read: func() (string, error) {
				return formatUint(d.ComprDataSize()), nil
			},
		},
		{
			Name: "bytes.memUsedTotal",
			Read: func() (string, error) {
				return formatUint(d.MemUsedTotal()), nil
			},
		},
	}

	d.attrIndex = make(map[string]int, len(d.attrs))
	for i, a := range d.attrs {
		d.attrIndex[a.Name] = i
	}
}

// countAttr builds a read-only attribute exposing one counter snapshot.
func (d *Device) countAttr(name string, stat Stat) Attr {
	return Attr{
		Name: name,
		Read: func() (string, error) {
			return formatUint(d.counters.Snapshot(stat)), nil
		},
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint(value string) (uint64, error) {
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an unsigned decimal", ErrInvalidArgument, value)
	}
	return v, nil
}
