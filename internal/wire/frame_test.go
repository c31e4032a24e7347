package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	cmd := MetaCmd{Kind: Ping, Payload: json.RawMessage(`{"node":"10.0.0.1:8001"}`)}
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %s, want %s", got, payload)
	}

	var decoded MetaCmd
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != Ping {
		t.Fatalf("Kind = %s, want PING", decoded.Kind)
	}
}

func TestReadFrame_RejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("ReadFrame accepted an oversized frame header")
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want StatusCode
	}{
		{nil, StatusOK},
		{metaerr.NotFound, StatusNotFound},
		{metaerr.Conflict, StatusConflict},
		{metaerr.Incomplete, StatusIncomplete},
	}
	for _, c := range cases {
		if got := StatusFromError(c.err); got != c.want {
			t.Errorf("StatusFromError(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}
