package logreplay

import (
	"bytes"
	"testing"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/logcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLog writes a minimal but structurally complete .ekl file: one
// slave, no PDOs or CoE entries, then a run of register-sample records
// for RegBuild on slave 1.
func buildLog(t *testing.T, samples int, step time.Duration) []byte {
	t.Helper()
	var buf bytes.Buffer

	require.NoError(t, logcodec.WriteHeader(&buf, logcodec.Header{Version: logcodec.Version}))

	require.NoError(t, logcodec.WriteSlaveInfo(&buf, logcodec.SlaveInfoBlock{
		SlaveID:    1,
		Name:       "slave-1",
		Neighbours: [4]uint16{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF},
	}))
	pdoDescOffset := buf.Len()
	require.NoError(t, logcodec.WritePDODetailSection(&buf, 1, nil))
	dataOffset := buf.Len()

	for i := 0; i < samples; i++ {
		ts := ek.TimeStamp(i) * ek.TimeStamp(step)
		require.NoError(t, logcodec.WriteRegisterSampleRecord(&buf, ts, dataobject.RegBuild, 1, uint64(i)))
	}

	out := buf.Bytes()
	head := logcodec.Header{
		Version:       logcodec.Version,
		PDODescOffset: uint64(pdoDescOffset),
		DataOffset:    uint64(dataOffset),
	}
	var headBuf bytes.Buffer
	require.NoError(t, logcodec.WriteHeader(&headBuf, head))
	copy(out[:logcodec.HeaderSize], headBuf.Bytes())
	return out
}

func TestLogRoundTripYieldsSamplesInOrder(t *testing.T) {
	data := buildLog(t, 2000, 100*time.Microsecond)

	r := bytes.NewReader(data)
	inf, err := NewLogSlaveInformant(r)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), inf.SlaveCount())

	reader := NewLogReader(r, inf, nil)
	reader.Start()
	reader.Wait()

	series := reader.RegisterSeries(1, dataobject.RegBuild)
	view := series.GetView(ek.TimeSeries{})
	defer view.Close()

	count := 0
	var lastTime ek.TimeStamp
	for view.HasNext() {
		value, ts := view.Next()
		if count > 0 {
			assert.GreaterOrEqual(t, ts, lastTime)
		}
		assert.Equal(t, uint64(count), value)
		lastTime = ts
		count++
	}
	assert.Equal(t, 2000, count)
}

func TestLogRoundTripRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, logcodec.WriteHeader(&buf, logcodec.Header{Version: 99}))
	_, err := NewLogSlaveInformant(&buf)
	require.ErrorIs(t, err, logcodec.ErrUnsupportedVersion)
}

func TestLogReaderHaltStopsBeforeEOF(t *testing.T) {
	data := buildLog(t, 2000, 100*time.Microsecond)
	r := bytes.NewReader(data)
	inf, err := NewLogSlaveInformant(r)
	require.NoError(t, err)

	reader := NewLogReader(r, inf, nil)
	reader.MessageHalt()
	reader.Start()
	reader.Wait()

	series := reader.RegisterSeries(1, dataobject.RegBuild)
	view := series.GetView(ek.TimeSeries{})
	defer view.Close()
	count := 0
	for view.HasNext() {
		view.Next()
		count++
	}
	assert.Less(t, count, 2000)
}
