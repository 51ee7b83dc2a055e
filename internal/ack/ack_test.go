package ack

import "testing"

func TestEncodeData_DecodeRoundTrip(t *testing.T) {
	tests := []int{0, 1, 255, 256, 65535}
	for _, next := range tests {
		octets := EncodeData(next)
		v, err := Decode(octets)
		if err != nil {
			t.Fatalf("Decode(%v) error = %v", octets, err)
		}
		if next == 0 {
			// 1.2.0.0 is ambiguous with the reset sentinel by construction;
			// Decode reports it as Reset.
			if !v.Reset {
				t.Errorf("Decode(EncodeData(0)) = %+v, want Reset=true", v)
			}
			continue
		}
		if v.Reset || v.NextExpected != next {
			t.Errorf("Decode(EncodeData(%d)) = %+v, want NextExpected=%d", next, v, next)
		}
	}
}

func TestEncodeReset_Decode(t *testing.T) {
	v, err := Decode(EncodeReset())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !v.Reset {
		t.Errorf("Decode(EncodeReset()) = %+v, want Reset=true", v)
	}
}

func TestDecode_RejectsNonAck(t *testing.T) {
	tests := [][4]byte{
		{8, 8, 8, 8},
		{1, 0, 0, 0},
		{0, 2, 0, 0},
	}
	for _, octets := range tests {
		if _, err := Decode(octets); err == nil {
			t.Errorf("Decode(%v) = nil error, want error", octets)
		}
	}
}

func TestEncodeData_HighByteSplit(t *testing.T) {
	// expected_seq exceeding 255 still round-trips via the two-octet split.
	octets := EncodeData(300)
	if octets[2] != 1 || octets[3] != 44 {
		t.Fatalf("EncodeData(300) = %v, want H=1 L=44", octets)
	}
}
