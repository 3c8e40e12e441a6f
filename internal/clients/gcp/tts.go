package gcp

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/verdia/herbarium-backend/internal/pkg/logger"
)

// SpeechSynthesizer renders a narration script to audio bytes. It is an
// opaque collaborator for the media path; the coalescer only needs bytes
// and a mime type back.
type SpeechSynthesizer interface {
	RenderAudio(ctx context.Context, script string) (data []byte, mimeType string, err error)
	Close() error
}

type ttsService struct {
	log    *logger.Logger
	client *texttospeech.Client

	languageCode string
	voiceName    string
}

func NewSpeechSynthesizer(log *logger.Logger) (SpeechSynthesizer, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	serviceLog := log.With("service", "SpeechSynthesizer")

	ctx := context.Background()
	client, err := texttospeech.NewClient(ctx, ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("create texttospeech client: %w", err)
	}

	languageCode := strings.TrimSpace(os.Getenv("TTS_LANGUAGE_CODE"))
	if languageCode == "" {
		languageCode = "en-US"
	}
	voiceName := strings.TrimSpace(os.Getenv("TTS_VOICE_NAME"))

	return &ttsService{
		log:          serviceLog,
		client:       client,
		languageCode: languageCode,
		voiceName:    voiceName,
	}, nil
}

func (s *ttsService) RenderAudio(ctx context.Context, script string) ([]byte, string, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return nil, "", fmt.Errorf("narration script required")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: script},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: s.languageCode,
			Name:         s.voiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	}

	resp, err := s.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			// Keep the quota marker in the message so the retry policy's
			// classification catches it.
			return nil, "", fmt.Errorf("synthesize speech: RESOURCE_EXHAUSTED: %w", err)
		}
		return nil, "", fmt.Errorf("synthesize speech: %w", err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return nil, "", fmt.Errorf("synthesize speech: empty audio content")
	}
	return resp.GetAudioContent(), "audio/mpeg", nil
}

func (s *ttsService) Close() error {
	return s.client.Close()
}
