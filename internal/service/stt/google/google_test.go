package google

import (
	"errors"
	"testing"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clinical-scribe-service/internal/service/stt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if !cfg.InterimResults {
		t.Error("expected interim results enabled by default")
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"linear16", speechpb.RecognitionConfig_LINEAR16},
		{"", speechpb.RecognitionConfig_LINEAR16},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseAudioEncoding(tt.input); got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestConfigRequest(t *testing.T) {
	cfg := Config{LanguageCode: "es-ES", SampleRateHz: 8000, InterimResults: false, AudioEncoding: "MULAW"}
	sc := configRequest(cfg).GetStreamingConfig()

	if sc.GetInterimResults() {
		t.Error("interim results should follow config")
	}
	rc := sc.GetConfig()
	if rc.GetLanguageCode() != "es-ES" || rc.GetSampleRateHertz() != 8000 {
		t.Errorf("unexpected recognition config %+v", rc)
	}
	if rc.GetEncoding() != speechpb.RecognitionConfig_MULAW {
		t.Errorf("encoding = %v", rc.GetEncoding())
	}
}

func TestCloseErrorFor(t *testing.T) {
	tests := []struct {
		code codes.Code
		want int
	}{
		{codes.Unauthenticated, stt.ClosePolicyViolation},
		{codes.PermissionDenied, stt.ClosePolicyViolation},
		{codes.Unavailable, stt.CloseAbnormal},
		{codes.Internal, stt.CloseInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := closeErrorFor(status.Error(tt.code, "boom"))
			var ce *stt.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *stt.CloseError, got %T", err)
			}
			if ce.Code != tt.want {
				t.Errorf("code = %d, want %d", ce.Code, tt.want)
			}
		})
	}
}

func TestToEvents(t *testing.T) {
	resp := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "patient reports"}}},
			{},
			{IsFinal: true, Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "patient reports chest pain"}}},
		},
	}

	events := toEvents(resp)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].IsFinal || events[0].Text != "patient reports" {
		t.Errorf("unexpected partial %+v", events[0])
	}
	if !events[1].IsFinal || events[1].Text != "patient reports chest pain" {
		t.Errorf("unexpected final %+v", events[1])
	}
}
