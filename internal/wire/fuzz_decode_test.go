package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"partyline/internal/testutil"
)

func FuzzReadEnvelope(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	if frame, err := EncodeFrame([]byte(`{"type":"text.request","id":"1","payload":{"scope":"broadcast","content":"hi"}}`)); err == nil {
		f.Add(frame)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadEnvelope(bytes.NewReader(data))
		})
	})
}

func FuzzDecodeAssertionPayload(f *testing.F) {
	f.Add([]byte(`{"assertion":{"claims":{"addr":"a","account.name":"n","account.id":"i"},"signature":"","publicKey":""}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			var req AuthRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			_, _ = json.Marshal(req)
		})
	})
}
