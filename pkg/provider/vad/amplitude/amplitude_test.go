package amplitude_test

import (
	"errors"
	"testing"

	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/provider/vad"
	"github.com/brightpath/livelink/pkg/provider/vad/amplitude"
)

func frame(level float32) []byte {
	s := make([]float32, 256)
	for i := range s {
		if i%2 == 0 {
			s[i] = level
		} else {
			s[i] = -level
		}
	}
	return audio.EncodeFloat32(s)
}

var (
	loud  = frame(0.4)
	quiet = frame(0.01)
)

func newSession(t *testing.T) *amplitude.Session {
	t.Helper()
	h, err := amplitude.New().NewSession(vad.Config{
		SampleRate:      audio.CaptureSampleRate,
		SpeechThreshold: 0.05,
		SpeechFrames:    3,
		SilenceFrames:   4,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return h.(*amplitude.Session)
}

func feed(t *testing.T, s vad.SessionHandle, frames ...[]byte) []vad.VADEventType {
	t.Helper()
	out := make([]vad.VADEventType, 0, len(frames))
	for _, f := range frames {
		ev, err := s.ProcessFrame(f)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		out = append(out, ev.Type)
	}
	return out
}

func count(evs []vad.VADEventType, want vad.VADEventType) int {
	n := 0
	for _, e := range evs {
		if e == want {
			n++
		}
	}
	return n
}

func TestNoFalseStart(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	// Two loud frames separated by silence never reach the threshold count.
	evs := feed(t, s, loud, loud, quiet, loud, loud, quiet, loud, quiet)
	if n := count(evs, vad.VADSpeechStart); n != 0 {
		t.Fatalf("got %d speech starts, want 0 (events %v)", n, evs)
	}
	if s.State().Speaking {
		t.Error("session should still be silent")
	}
}

func TestLevelAtThresholdIsNotSpeech(t *testing.T) {
	t.Parallel()
	edge := frame(0.2)
	h, err := amplitude.New().NewSession(vad.Config{
		SampleRate:      audio.CaptureSampleRate,
		SpeechThreshold: audio.PeakAmplitude(edge),
		SpeechFrames:    2,
		SilenceFrames:   2,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	evs := feed(t, h, edge, edge, edge, edge)
	if n := count(evs, vad.VADSpeechStart); n != 0 {
		t.Fatalf("got %d speech starts at the threshold, want 0 (events %v)", n, evs)
	}
	if evs = feed(t, h, loud, loud); evs[1] != vad.VADSpeechStart {
		t.Errorf("events above threshold = %v, want speech start on frame 2", evs)
	}
}

func TestStartExactlyAtNthFrame(t *testing.T) {
	t.Parallel()
	s := newSession(t)

	evs := feed(t, s, loud, loud, loud, loud, loud)
	want := []vad.VADEventType{vad.VADSilence, vad.VADSilence, vad.VADSpeechStart, vad.VADSpeechContinue, vad.VADSpeechContinue}
	for i := range want {
		if evs[i] != want[i] {
			t.Fatalf("frame %d: got %v, want %v", i, evs[i], want[i])
		}
	}
	if !s.State().Speaking {
		t.Error("session should be speaking")
	}
}

func TestEndExactlyAfterMthFrame(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	feed(t, s, loud, loud, loud)

	evs := feed(t, s, quiet, quiet, quiet, quiet, quiet, quiet)
	if evs[3] != vad.VADSpeechEnd {
		t.Fatalf("4th quiet frame: got %v, want speech_end (events %v)", evs[3], evs)
	}
	if n := count(evs, vad.VADSpeechEnd); n != 1 {
		t.Errorf("got %d speech ends, want 1", n)
	}
	if st := s.State(); st.Speaking || st.SilenceFrames != 0 || st.SpeechFrames != 0 {
		t.Errorf("state after end = %+v, want zero", st)
	}
}

func TestShortPauseDoesNotEnd(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	feed(t, s, loud, loud, loud)

	evs := feed(t, s, quiet, quiet, quiet, loud, quiet, quiet, quiet)
	if n := count(evs, vad.VADSpeechEnd); n != 0 {
		t.Fatalf("got %d speech ends, want 0 (events %v)", n, evs)
	}
	if got := s.State().SilenceFrames; got != 3 {
		t.Errorf("SilenceFrames = %d, want 3", got)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	feed(t, s, loud, loud, loud, quiet)

	s.Reset()
	if st := s.State(); st != (vad.State{}) {
		t.Fatalf("state after Reset = %+v, want zero", st)
	}
	evs := feed(t, s, loud, loud)
	if count(evs, vad.VADSpeechStart) != 0 {
		t.Error("Reset should restart the onset count")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(loud); !errors.Is(err, vad.ErrClosed) {
		t.Fatalf("ProcessFrame after Close: err = %v, want ErrClosed", err)
	}
}

func TestNewSession_Defaults(t *testing.T) {
	t.Parallel()
	h, err := amplitude.New().NewSession(vad.Config{SampleRate: audio.CaptureSampleRate})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	evs := feed(t, h, loud, loud, loud)
	if evs[2] != vad.VADSpeechStart {
		t.Errorf("default config should start on the 3rd loud frame, got %v", evs)
	}
}

func TestNewSession_Invalid(t *testing.T) {
	t.Parallel()
	_, err := amplitude.New().NewSession(vad.Config{SampleRate: 0, SpeechThreshold: 2})
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
}
