package plist

import (
	"math"
	"math/rand"
	"strconv"
	"testing"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/groob/plist"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		dict *Dict
	}{
		{"empty", NewDict()},
		{"play", NewDict().
			Set("Content-Location", "http://192.168.1.10:8080/movie.mp4").
			Set("Start-Position", 0.25)},
		{"ints", NewDict().
			Set("zero", int64(0)).
			Set("byte", int64(255)).
			Set("short", int64(65535)).
			Set("int", int64(math.MaxUint32)).
			Set("long", int64(math.MaxInt64)).
			Set("negative", int64(-1)).
			Set("min", int64(math.MinInt64))},
		{"reals", NewDict().
			Set("pi", math.Pi).
			Set("neg", -0.5).
			Set("inf", math.Inf(1))},
		{"data", NewDict().
			Set("empty", []byte{}).
			Set("short", []byte{1, 2, 3}).
			Set("long", make([]byte, 1000))},
		{"strings", NewDict().
			Set("ascii", "hello").
			Set("long", "0123456789abcdefghijklmnopqrstuvwxyz").
			Set("unicode", "Гостиная Apple TV 📺").
			Set("", "empty key")},
		{"nested", NewDict().
			Set("bool", true).
			Set("false", false).
			Set("array", []any{"a", int64(1), 2.5, false, []byte{0xFF}}).
			Set("dict", NewDict().Set("inner", NewDict().Set("deep", "value")))},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b, err := Encode(test.dict)
			require.Nil(t, err)

			d, err := Decode(b)
			require.Nil(t, err)
			require.Equal(t, test.dict, d)
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		src := NewDict()
		for j := rnd.Intn(40); j > 0; j-- {
			key := "key" + strconv.Itoa(rnd.Intn(1000))
			switch rnd.Intn(4) {
			case 0:
				src.Set(key, core.RandString(byte(rnd.Intn(40))))
			case 1:
				src.Set(key, rnd.Int63()-rnd.Int63())
			case 2:
				src.Set(key, rnd.NormFloat64())
			case 3:
				b := make([]byte, rnd.Intn(300))
				rnd.Read(b)
				src.Set(key, b)
			}
		}

		b, err := Encode(src)
		require.Nil(t, err)

		dst, err := Decode(b)
		require.Nil(t, err)
		require.Equal(t, src, dst)
	}
}

func TestManyObjects(t *testing.T) {
	// more than 255 objects switches to 2-byte refs
	src := NewDict()
	for i := 0; i < 300; i++ {
		src.Set("k"+strconv.Itoa(i), int64(i))
	}

	b, err := Encode(src)
	require.Nil(t, err)
	require.Equal(t, byte(2), b[len(b)-trailerSize+7])

	dst, err := Decode(b)
	require.Nil(t, err)
	require.Equal(t, src, dst)
}

func TestWireLayout(t *testing.T) {
	b, err := Encode(NewDict().Set("a", true))
	require.Nil(t, err)

	// header, dict with one pair, key "a", true, offset table, trailer
	expect := []byte("bplist00")
	expect = append(expect, 0xD1, 0x01, 0x02, 0x51, 'a', 0x09)
	expect = append(expect, 0x08, 0x0B, 0x0D)
	expect = append(expect, 0, 0, 0, 0, 0, 0, 1, 1)
	expect = append(expect, 0, 0, 0, 0, 0, 0, 0, 3)
	expect = append(expect, 0, 0, 0, 0, 0, 0, 0, 0)
	expect = append(expect, 0, 0, 0, 0, 0, 0, 0, 0x0E)
	require.Equal(t, expect, b)
}

func TestGroobCompatible(t *testing.T) {
	src := NewDict().
		Set("Content-Location", "http://example.com/video.m3u8").
		Set("Start-Position", 0.5).
		Set("count", int64(70000)).
		Set("data", []byte("secret"))

	b, err := Encode(src)
	require.Nil(t, err)

	var v struct {
		ContentLocation string  `plist:"Content-Location"`
		StartPosition   float64 `plist:"Start-Position"`
		Count           int64   `plist:"count"`
		Data            []byte  `plist:"data"`
	}
	require.Nil(t, plist.Unmarshal(b, &v))
	require.Equal(t, "http://example.com/video.m3u8", v.ContentLocation)
	require.Equal(t, 0.5, v.StartPosition)
	require.Equal(t, int64(70000), v.Count)
	require.Equal(t, []byte("secret"), v.Data)
}

func TestParseXML(t *testing.T) {
	src := NewDict().
		Set("deviceid", "58:55:CA:1A:E2:88").
		Set("features", int64(0x5A7FFFF7)).
		Set("model", "AppleTV3,2")

	b, err := MarshalXML(src)
	require.Nil(t, err)
	require.Contains(t, string(b), "<key>deviceid</key>")

	d, err := Parse(b)
	require.Nil(t, err)
	require.Equal(t, "58:55:CA:1A:E2:88", d.String("deviceid"))
	require.Equal(t, int64(0x5A7FFFF7), d.Int("features"))
	require.Equal(t, "AppleTV3,2", d.String("model"))
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(NewDict().Set("key", "value").Set("list", []any{int64(1), int64(2)}))
	require.Nil(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"short", []byte("bplist00")},
		{"header", append([]byte("xplist00"), valid[8:]...)},
		{"version", append([]byte("bplist15"), valid[8:]...)},
		{"truncated", valid[:len(valid)-1]},
		{"tail cut", append(valid[:20:20], valid[len(valid)-trailerSize:]...)},
		{"dict length overflow", hugeLength(0xDF)},
		{"utf16 length overflow", hugeLength(0x6F)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.data)
			require.Error(t, err)
			require.ErrorIs(t, err, core.ErrDecode)
		})
	}
}

// hugeLength - one object with extended length 2^63
func hugeLength(marker byte) []byte {
	b := []byte("bplist00")
	b = append(b, marker, 0x13, 0x80, 0, 0, 0, 0, 0, 0, 0)
	b = append(b, 0x08) // offset table
	b = append(b, 0, 0, 0, 0, 0, 0, 1, 1)
	b = append(b, 0, 0, 0, 0, 0, 0, 0, 1)
	b = append(b, 0, 0, 0, 0, 0, 0, 0, 0)
	return append(b, 0, 0, 0, 0, 0, 0, 0, 18)
}

func TestDecodeUnknownMarker(t *testing.T) {
	b, err := Encode(NewDict().Set("a", true))
	require.Nil(t, err)

	b[13] = 0x70 // replace true with unused marker
	_, err = Decode(b)
	require.ErrorIs(t, err, core.ErrDecode)

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, uint64(13), de.Offset)
}

func TestDecodeCycle(t *testing.T) {
	// array which contains itself
	b := []byte("bplist00")
	b = append(b, 0xA1, 0x00)
	b = append(b, 0x08)
	b = append(b, 0, 0, 0, 0, 0, 0, 1, 1)
	b = append(b, 0, 0, 0, 0, 0, 0, 0, 1)
	b = append(b, 0, 0, 0, 0, 0, 0, 0, 0)
	b = append(b, 0, 0, 0, 0, 0, 0, 0, 0x0A)

	_, err := Unmarshal(b)
	require.ErrorIs(t, err, core.ErrDecode)
}

func TestDecodeNotDict(t *testing.T) {
	b, err := Marshal([]any{"a"})
	require.Nil(t, err)

	_, err = Decode(b)
	require.ErrorIs(t, err, core.ErrDecode)

	v, err := Unmarshal(b)
	require.Nil(t, err)
	require.Equal(t, []any{"a"}, v)
}

func TestMarshalUnsupported(t *testing.T) {
	_, err := Marshal(NewDict().Set("ch", make(chan int)))
	require.Error(t, err)
}
