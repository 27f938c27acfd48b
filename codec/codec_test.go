package codec

import (
	"errors"
	"testing"

	"mini-binder/binder"
	"mini-binder/message"
)

func sampleTransaction() *message.Transaction {
	return &message.Transaction{
		Descriptor: "mini.test.IArith",
		Object:     42,
		Code:       binder.FirstCallTransaction + 1,
		Flags:      binder.FlagOneWay,
		ErrorKind:  binder.KindProtocol,
		Error:      "unknown transaction code",
		Payload:    []byte(`{"a":1,"b":2}`),
	}
}

func assertSame(t *testing.T, want, got *message.Transaction) {
	t.Helper()
	if want.Descriptor != got.Descriptor {
		t.Errorf("Descriptor mismatch: got %s, want %s", got.Descriptor, want.Descriptor)
	}
	if want.Object != got.Object || want.Code != got.Code || want.Flags != got.Flags {
		t.Errorf("target mismatch: got %d/%d/%d, want %d/%d/%d", got.Object, got.Code, got.Flags, want.Object, want.Code, want.Flags)
	}
	if want.ErrorKind != got.ErrorKind || want.Error != got.Error {
		t.Errorf("error mismatch: got %d %q, want %d %q", got.ErrorKind, got.Error, want.ErrorKind, want.Error)
	}
	if string(want.Payload) != string(got.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", string(got.Payload), string(want.Payload))
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}
	originalMsg := sampleTransaction()

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decodedMsg message.Transaction
	if err := jsonCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	assertSame(t, originalMsg, &decodedMsg)
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	originalMsg := sampleTransaction()

	data, err := binaryCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decodedMsg message.Transaction
	if err := binaryCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}
	assertSame(t, originalMsg, &decodedMsg)
}

func TestBinaryCodecRejectsTruncated(t *testing.T) {
	data, err := (&BinaryCodec{}).Encode(sampleTransaction())
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var msg message.Transaction
		err := (&BinaryCodec{}).Decode(data[:n], &msg)
		var pe *binder.ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("truncated to %d: expect protocol error, got %v", n, err)
		}
	}
}

func TestBinaryCodecRejectsTrailing(t *testing.T) {
	data, _ := (&BinaryCodec{}).Encode(sampleTransaction())
	var msg message.Transaction
	if err := (&BinaryCodec{}).Decode(append(data, 0x00), &msg); err == nil {
		t.Fatal("expect error for trailing bytes")
	}
}

func TestJSONCodecMalformed(t *testing.T) {
	var msg message.Transaction
	err := (&JSONCodec{}).Decode([]byte("{not json"), &msg)
	var pe *binder.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expect protocol error, got %v", err)
	}
}

func TestUnmarshalPayload(t *testing.T) {
	type args struct{ A, B int }

	var a args
	if err := Unmarshal([]byte(`{"A":1,"B":2}`), &a); err != nil {
		t.Fatal(err)
	}
	if a.A != 1 || a.B != 2 {
		t.Fatalf("unexpected args %+v", a)
	}

	if err := Unmarshal(nil, &a); err != nil {
		t.Fatalf("empty payload should be accepted: %v", err)
	}

	var pe *binder.ProtocolError
	if err := Unmarshal([]byte(`[`), &a); !errors.As(err, &pe) {
		t.Fatalf("expect protocol error, got %v", err)
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, err := ParseCodecType("binary"); err != nil || ct != CodecTypeBinary {
		t.Fatalf("binary: got %v %v", ct, err)
	}
	if ct, err := ParseCodecType(""); err != nil || ct != CodecTypeJSON {
		t.Fatalf("default: got %v %v", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

// JSON 编解码性能（不走网络，纯 codec）
func BenchmarkCodecJSON(b *testing.B) {
	cdc := GetCodec(CodecTypeJSON)
	msg := sampleTransaction()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.Transaction
		cdc.Decode(data, &out)
	}
}

// Binary 编解码性能（不走网络，纯 codec）
func BenchmarkCodecBinary(b *testing.B) {
	cdc := GetCodec(CodecTypeBinary)
	msg := sampleTransaction()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(msg)
		var out message.Transaction
		cdc.Decode(data, &out)
	}
}
