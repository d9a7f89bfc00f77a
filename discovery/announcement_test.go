package discovery

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/dtn7/cboring"
)

func TestAnnouncementCbor(t *testing.T) {
	var tests = [][]Announcement{
		{
			{Service: "echo", Port: 4444},
		},
		{
			{Service: "echo", Port: 4444},
			{Service: "time", Port: 35353},
		},
		{},
	}

	for _, in := range tests {
		data, err := MarshalAnnouncements(in)
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		out, err := UnmarshalAnnouncements(data)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}

		if len(in) != len(out) {
			t.Fatalf("Length of decoded Announcements is %d != %d", len(out), len(in))
		}
		for i := range in {
			if !reflect.DeepEqual(in[i], out[i]) {
				t.Fatalf("Decoded Announcement differs: %v became %v", in[i], out[i])
			}
		}
	}
}

func TestAnnouncementCborInvalid(t *testing.T) {
	badVersion := new(bytes.Buffer)
	_ = cboring.WriteArrayLength(1, badVersion)
	_ = cboring.WriteArrayLength(3, badVersion)
	_ = cboring.WriteUInt(99, badVersion)
	_ = cboring.WriteTextString("echo", badVersion)
	_ = cboring.WriteUInt(4444, badVersion)

	badPort := new(bytes.Buffer)
	_ = cboring.WriteArrayLength(1, badPort)
	_ = cboring.WriteArrayLength(3, badPort)
	_ = cboring.WriteUInt(announcementVersion, badPort)
	_ = cboring.WriteTextString("echo", badPort)
	_ = cboring.WriteUInt(1<<17, badPort)

	for _, data := range [][]byte{badVersion.Bytes(), badPort.Bytes(), {0xff}} {
		if _, err := UnmarshalAnnouncements(data); err == nil {
			t.Fatalf("Expected error for %x", data)
		}
	}
}
