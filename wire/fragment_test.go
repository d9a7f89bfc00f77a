package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestHandshakeFragmentRoundtrip(t *testing.T) {
	tests := []HandshakeFragment{
		{HandshakeClientHello, 0, 0, 0, 0, []byte{}},
		{HandshakeClientHello, 100, 3, 25, 50, bytes.Repeat([]byte{0x23}, 50)},
		{HandshakeFinished, 12, 7, 0, 12, bytes.Repeat([]byte{0x42}, 12)},
	}

	for _, fragment := range tests {
		payload := EncodeHandshakeFragment(fragment)

		got, err := DecodeHandshakeFragment(payload)
		if err != nil {
			t.Fatal(err)
		}

		// Normalize the empty slice vs nil distinction before comparing.
		if !bytes.Equal(got.Frag, fragment.Frag) {
			t.Fatalf("Fragment bytes do not match, expected %x and got %x", fragment.Frag, got.Frag)
		}
		got.Frag, fragment.Frag = nil, nil
		if !reflect.DeepEqual(got, fragment) {
			t.Fatalf("Fragment does not match, expected %v and got %v", fragment, got)
		}
	}
}

func TestDecodeHandshakeFragmentMalformed(t *testing.T) {
	tests := [][]byte{
		{},
		make([]byte, FragmentHeaderLen-1),
		// frag_len claims one byte more than present:
		func() []byte {
			payload := EncodeHandshakeFragment(HandshakeFragment{
				MsgType: HandshakeClientHello, MsgLen: 4, FragLen: 4, Frag: []byte("abcd"),
			})
			return payload[:len(payload)-1]
		}(),
	}

	for _, payload := range tests {
		if _, err := DecodeHandshakeFragment(payload); err == nil {
			t.Fatalf("Expected error for %x", payload)
		} else if _, ok := err.(*BadPacketError); !ok {
			t.Fatalf("Expected BadPacketError, got %T: %v", err, err)
		}
	}
}

func TestUint24(t *testing.T) {
	tests := []uint32{0, 1, 255, 256, 0xffff, 0x010203, 0xffffff}

	for _, v := range tests {
		var buf [3]byte
		putUint24(buf[:], v)
		if got := uint24(buf[:]); got != v {
			t.Fatalf("Expected %d, got %d", v, got)
		}
	}
}
