package lneto

// ValidatorFlags controls optional, stricter validation behavior for wire
// codec ValidateSize/ValidateExceptCRC methods.
type ValidatorFlags uint8

const (
	// ValidateEvilBit enables rejection of IPv4 packets with the evil bit
	// set (RFC 3514). Disabled by default since the bit is satire but some
	// fuzz-oriented callers want the strict check available.
	ValidateEvilBit ValidatorFlags = 1 << iota
)

// Validator accumulates frame validation errors without allocating. Frame
// ValidateSize/ValidateExceptCRC methods across ethernet/arp/ipv4/tcp/udp
// take a *Validator and call AddError/AddBitPosErr on inconsistencies found;
// the first error recorded wins, matching the "drop malformed segments
// silently" policy at the layer boundary.
type Validator struct {
	flags  ValidatorFlags
	err    error
	bitPos int
	bitLen int
}

// SetFlags sets the validation flags used by subsequent Validate calls.
func (v *Validator) SetFlags(f ValidatorFlags) { v.flags = f }

// Flags returns the currently set validation flags.
func (v *Validator) Flags() ValidatorFlags { return v.flags }

// AddError records err if no error has been recorded yet.
func (v *Validator) AddError(err error) {
	if v.err == nil {
		v.err = err
	}
}

// AddBitPosErr records err along with the bit offset and length of the
// offending field, for callers that want to report field-level diagnostics.
func (v *Validator) AddBitPosErr(bitPos, bitLen int, err error) {
	if v.err == nil {
		v.bitPos = bitPos
		v.bitLen = bitLen
	}
	v.AddError(err)
}

// ErrPos returns the bit offset and length AddBitPosErr recorded with the
// first error.
func (v *Validator) ErrPos() (bitPos, bitLen int) { return v.bitPos, v.bitLen }

// Err returns the first recorded error, or nil if none was recorded.
func (v *Validator) Err() error { return v.err }

// HasError reports whether any error has been recorded.
func (v *Validator) HasError() bool { return v.err != nil }

// Reset clears the recorded error so the Validator can be reused.
func (v *Validator) Reset() { *v = Validator{flags: v.flags} }
