package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader_ReportsAtByteIntervals(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 10)

	var reports [][2]int64
	pr := NewReader(bytes.NewReader(data), 10, 4, func(rate, transferred, total int64) {
		require.Equal(t, int64(10), total)
		reports = append(reports, [2]int64{rate, transferred})
	})

	buf := make([]byte, 3)
	for {
		if _, err := pr.Read(buf); err == io.EOF {
			break
		}
	}

	// 3+3 bytes cross the 4 byte interval, then 3+1 cross it again.
	require.Len(t, reports, 2)
	require.Equal(t, int64(6), reports[0][1])
	require.Equal(t, int64(10), reports[1][1])
	require.Equal(t, int64(10), pr.Transferred())

	for _, r := range reports {
		require.GreaterOrEqual(t, r[0], int64(0))
	}
}

func TestReader_FlushAlwaysReports(t *testing.T) {
	var calls int
	pr := NewReader(bytes.NewReader(nil), 0, 1024, func(rate, transferred, total int64) {
		calls++
		require.Equal(t, int64(0), transferred)
	})

	_, err := pr.Read(make([]byte, 16))
	require.ErrorIs(t, err, io.EOF)

	pr.Flush()
	require.Equal(t, 1, calls)
}
