package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripNoExtensions(t *testing.T) {
	p := &Packet{
		Header: Header{
			Type:          TypeData,
			ConnID:        0x1234,
			Timestamp:     111222333,
			TimestampDiff: 4455,
			WindowSize:    350000,
			SeqNr:         42,
			AckNr:         41,
		},
		Payload: []byte("hello utp"),
	}

	buf := Encode(p)
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, p.Header, got.Header)
	require.Equal(t, p.Payload, got.Payload)
	require.Empty(t, got.Extensions)
}

func TestRoundTripWithSelectiveAck(t *testing.T) {
	sack := make([]byte, 4)
	sack[0] = 0b00000101 // bits 0 and 2 set

	p := &Packet{
		Header: Header{
			Type:   TypeState,
			ConnID: 7,
			SeqNr:  100,
			AckNr:  99,
		},
		Extensions: []Extension{{Type: ExtSelectiveAck, Payload: sack}},
	}

	buf := Encode(p)
	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, sack, got.SelectiveAck())
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 19))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(TypeData)<<4 | 2 // version 2
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrVersion)
}

func TestDecodeRejectsBadType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(5)<<4 | Version
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrType)
}

func TestDecodeRejectsTruncatedExtension(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(TypeData)<<4 | Version
	buf[1] = ExtSelectiveAck // claims one extension follows, but buffer ends here
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeRejectsMisalignedSelectiveAck(t *testing.T) {
	buf := make([]byte, HeaderSize+2+3) // 3-byte extension payload, not a multiple of 4
	buf[0] = byte(TypeState)<<4 | Version
	buf[1] = ExtSelectiveAck
	buf[HeaderSize] = 0   // terminates chain
	buf[HeaderSize+1] = 3 // length
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrExtensionLength)
}

func TestUnknownExtensionIsSkipped(t *testing.T) {
	buf := make([]byte, 0, HeaderSize+2+2)
	buf = append(buf, byte(TypeState)<<4|Version, 99) // first extension type 99
	buf = append(buf, make([]byte, 18)...)            // rest of fixed header
	buf = append(buf, 0, 2)                           // next-type=0 (terminates), length=2
	buf = append(buf, 0xAA, 0xBB)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, got.Extensions, 1)
	require.Equal(t, byte(99), got.Extensions[0].Type)
	require.Nil(t, got.SelectiveAck())
}

func BenchmarkEncodeDecode(b *testing.B) {
	p := &Packet{
		Header:  Header{Type: TypeData, ConnID: 1, SeqNr: 1, AckNr: 0},
		Payload: make([]byte, 1400),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := Encode(p)
		if _, err := Decode(buf); err != nil {
			b.Fatal(err)
		}
	}
}
