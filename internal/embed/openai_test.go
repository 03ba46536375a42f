package embed

import (
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/retry"
)

func TestParseAPIError_Classification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{
			name:          "bad request is permanent",
			err:           &openai.RequestError{HTTPStatusCode: http.StatusBadRequest, Body: []byte(`{"detail":"input too long"}`)},
			wantPermanent: true,
		},
		{
			name:          "429 is retryable",
			err:           &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests},
			wantPermanent: false,
		},
		{
			name:          "server error is retryable",
			err:           &openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "overloaded"},
			wantPermanent: false,
		},
		{
			name:          "transport error is retryable",
			err:           errors.New("connection reset"),
			wantPermanent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseAPIError(tt.err)
			if !errors.Is(got, domain.ErrEmbeddingProviderError) {
				t.Errorf("expected ErrEmbeddingProviderError wrap, got %v", got)
			}
			if retry.IsPermanent(got) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v: %v", retry.IsPermanent(got), tt.wantPermanent, got)
			}
		})
	}
}

func TestDetailOrBody(t *testing.T) {
	if got := detailOrBody([]byte(`{"detail":"quota exceeded"}`)); got != "quota exceeded" {
		t.Errorf("detail = %q", got)
	}
	if got := detailOrBody([]byte(`plain text error`)); got != "plain text error" {
		t.Errorf("fallback = %q", got)
	}
}
