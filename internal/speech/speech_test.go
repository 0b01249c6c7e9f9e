package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWhisper(t *testing.T, handler http.HandlerFunc) *Whisper {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	w, err := NewWhisper(WhisperConfig{APIKey: "test-key", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)
	return w
}

func TestWhisper_Transcribe(t *testing.T) {
	var gotModel, gotFile string
	w := newTestWhisper(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		gotFile = header.Filename

		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{"text": "  My name is Alex. "})
	})

	text, err := w.Transcribe(context.Background(), Audio{Data: []byte("OggS..."), MimeType: "audio/ogg"})
	require.NoError(t, err)
	assert.Equal(t, "My name is Alex.", text)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "voice.ogg", gotFile)
}

func TestWhisper_EmptyTranscript(t *testing.T) {
	w := newTestWhisper(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		io.WriteString(rw, `{"text":""}`)
	})

	_, err := w.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestWhisper_BadAudio(t *testing.T) {
	w := newTestWhisper(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusBadRequest)
		io.WriteString(rw, `{"error":{"message":"Invalid file format.","type":"invalid_request_error"}}`)
	})

	_, err := w.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestWhisper_Unauthorized(t *testing.T) {
	w := newTestWhisper(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusUnauthorized)
		io.WriteString(rw, `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`)
	})

	_, err := w.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewWhisper_RequiresKey(t *testing.T) {
	_, err := NewWhisper(WhisperConfig{})
	assert.Error(t, err)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnavailable)
}

type scriptedTranscriber struct {
	calls   atomic.Int32
	results []error
	text    string
}

func (s *scriptedTranscriber) Transcribe(context.Context, Audio) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.results) && s.results[n] != nil {
		return "", s.results[n]
	}
	return s.text, nil
}

func TestGuarded_RetriesOnce(t *testing.T) {
	next := &scriptedTranscriber{results: []error{errors.New("connection reset")}, text: "hello"}
	g := NewGuarded(next, 0, nil)

	text, err := g.Transcribe(context.Background(), Audio{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestGuarded_UnrecognizedPassesThrough(t *testing.T) {
	next := &scriptedTranscriber{results: []error{ErrUnrecognized}}
	g := NewGuarded(next, 0, nil)

	_, err := g.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnrecognized)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestGuarded_UnavailableNotRetried(t *testing.T) {
	next := &scriptedTranscriber{results: []error{ErrUnavailable}}
	g := NewGuarded(next, 0, nil)

	_, err := g.Transcribe(context.Background(), Audio{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestParseTranscript(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
	}{
		{"plain", "my name is alex\n", "my name is alex"},
		{"vosk json", "{\"text\": \"my name\"}\n{\"text\": \"is alex\"}\n", "my name is alex"},
		{"empty json", "{\"text\": \"\"}\n", ""},
		{"mixed", "LOG: loaded\n{\"text\": \"hello\"}", "LOG: loaded hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTranscript(tt.out))
		})
	}
}

func TestDemuxOutput(t *testing.T) {
	frame := func(stream byte, s string) []byte {
		n := len(s)
		return append([]byte{stream, 0, 0, 0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}, s...)
	}
	data := append(frame(1, "hello "), frame(2, "warn")...)
	data = append(data, frame(1, "world")...)

	stdout, stderr := demuxOutput(data)
	assert.Equal(t, "hello world", stdout)
	assert.Equal(t, "warn", stderr)

	stdout, _ = demuxOutput([]byte("raw transcript"))
	assert.Equal(t, "raw transcript", stdout)
}

func TestTarFile(t *testing.T) {
	buf, err := tarFile("a.ogg", []byte("abc"))
	require.NoError(t, err)
	assert.Greater(t, buf.Len(), 512)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "voice.ogg", fileName("audio/ogg"))
	assert.Equal(t, "voice.ogg", fileName(""))
	assert.Equal(t, "voice.mp3", fileName("audio/mpeg"))
}
