package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Producer proposes the next generation of the supervised code. The
// supervisor treats it as untrusted: every candidate goes through the
// validator before touching disk.
type Producer interface {
	Produce(ctx context.Context, current string) (string, error)
}

// SeedSource supplies outside material a producer can fold into a candidate.
type SeedSource interface {
	Seed(ctx context.Context) (string, error)
}

// CommentProducer is the built-in producer. Each generation appends one
// marker comment to the current code, optionally annotated with material
// from a seed source, and trims old markers once they exceed the cap.
type CommentProducer struct {
	source      SeedSource
	maxComments int
	now         func() time.Time
}

const generationMarker = "// generation:"

// NewCommentProducer creates a comment producer. A nil source produces
// unannotated markers. maxComments caps retained markers; when exceeded,
// only the newest half are kept.
func NewCommentProducer(source SeedSource, maxComments int) *CommentProducer {
	if maxComments <= 0 {
		maxComments = 50
	}
	return &CommentProducer{
		source:      source,
		maxComments: maxComments,
		now:         time.Now,
	}
}

// Produce returns the current code with the generation counter bumped and
// one more generation marker appended.
func (p *CommentProducer) Produce(ctx context.Context, current string) (string, error) {
	note := ""
	if p.source != nil {
		seed, err := p.source.Seed(ctx)
		if err != nil {
			return "", fmt.Errorf("seed: %w", err)
		}
		note = " " + sanitizeNote(seed)
	}

	out := strings.TrimRight(bumpGeneration(current), "\n")
	out += fmt.Sprintf("\n\n%s %s%s\n", generationMarker, p.now().UTC().Format(time.RFC3339), note)
	return p.trim(out), nil
}

// trim drops the oldest generation markers once the cap is exceeded,
// keeping the newest half so the file does not grow without bound.
func (p *CommentProducer) trim(source string) string {
	lines := strings.Split(source, "\n")
	markers := 0
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), generationMarker) {
			markers++
		}
	}
	if markers <= p.maxComments {
		return source
	}

	drop := markers - p.maxComments/2
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if drop > 0 && strings.HasPrefix(strings.TrimSpace(line), generationMarker) {
			drop--
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

var generationDecl = regexp.MustCompile(`(var generation = )(\d+)`)

// bumpGeneration increments the generation declaration when present; code
// without one passes through unchanged.
func bumpGeneration(source string) string {
	return generationDecl.ReplaceAllStringFunc(source, func(m string) string {
		parts := generationDecl.FindStringSubmatch(m)
		n, _ := strconv.Atoi(parts[2])
		return parts[1] + strconv.Itoa(n+1)
	})
}

// sanitizeNote flattens seed material into a single short comment-safe token.
func sanitizeNote(seed string) string {
	seed = strings.Join(strings.Fields(seed), " ")
	const max = 60
	if len(seed) > max {
		seed = seed[:max]
	}
	return seed
}

// HTTPSeedSource fetches seed material from a URL.
type HTTPSeedSource struct {
	URL    string
	Client *http.Client
}

// Seed performs a GET against the configured URL and returns the body.
func (h *HTTPSeedSource) Seed(ctx context.Context) (string, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("seed fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
