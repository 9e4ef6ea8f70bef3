package events

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFraming(t *testing.T) {
	t.Parallel()

	recorder := httptest.NewRecorder()
	writer := NewWriter(recorder)
	require.NoError(t, writer.Emit(EventProgress, NewProgress("model", 50, 100)))
	require.NoError(t, writer.Complete())

	body := recorder.Body.String()
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	assert.Contains(t, body, "event:progress\n")
	assert.Contains(t, body, `"bytes_received":50`)
	assert.Contains(t, body, `"percent":50`)
	assert.Contains(t, body, "event:complete\ndata:{}\n\n")
}

func TestDecodeProgressThenComplete(t *testing.T) {
	t.Parallel()

	stream := "event:progress\n" +
		`data:{"bytes_received":10,"total_bytes":100,"percent":10}` + "\n\n" +
		"event:complete\ndata:{}\n\n"

	var seen []Progress
	err := Decode(strings.NewReader(stream), nil, func(p Progress) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, int64(10), seen[0].BytesReceived)
}

func TestDecodeErrorFrameRaises(t *testing.T) {
	t.Parallel()

	stream := "event:error\n" + `data:{"error":"download cancelled"}` + "\n\n"
	err := Decode(strings.NewReader(stream), nil, nil)
	require.Error(t, err)
	assert.Equal(t, "download cancelled", err.Error())
}

func TestDecodeMalformedProgressSkipped(t *testing.T) {
	t.Parallel()

	stream := "event:progress\ndata:{not json}\n\n" +
		"event:progress\n" + `data:{"bytes_received":5}` + "\n\n" +
		"event:complete\ndata:{}\n\n"

	var seen []Progress
	err := Decode(strings.NewReader(stream), nil, func(p Progress) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, int64(5), seen[0].BytesReceived)
}

// failingReader returns its content, then a transport error.
type failingReader struct {
	reader io.Reader
	err    error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err == io.EOF {
		return n, r.err
	}
	return n, err
}

func TestDecodeTransportErrorAfterCompleteSwallowed(t *testing.T) {
	t.Parallel()

	stream := "event:complete\ndata:{}\n\n"
	reader := &failingReader{
		reader: strings.NewReader(stream),
		err:    errors.New("connection reset by peer"),
	}
	assert.NoError(t, Decode(reader, nil, nil))
}

func TestDecodeTransportErrorBeforeCompleteRaises(t *testing.T) {
	t.Parallel()

	stream := "event:progress\n" + `data:{"bytes_received":1}` + "\n\n"
	reader := &failingReader{
		reader: strings.NewReader(stream),
		err:    errors.New("connection reset by peer"),
	}
	assert.Error(t, Decode(reader, nil, nil))
}

func TestDecodeBlankLineResetsEventName(t *testing.T) {
	t.Parallel()

	// The data line after the blank separator is a default (progress)
	// frame even though an error event was armed earlier without data.
	stream := "event:error\n\n" + `data:{"bytes_received":3}` + "\n" +
		"\nevent:complete\ndata:{}\n\n"

	var seen []Progress
	err := Decode(strings.NewReader(stream), nil, func(p Progress) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, int64(3), seen[0].BytesReceived)
}

func TestDecodeEndWithoutCompletion(t *testing.T) {
	t.Parallel()

	err := Decode(strings.NewReader("event:progress\ndata:{}\n\n"), nil, nil)
	assert.Error(t, err)
}
