package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/colloquy-ai/colloquy/internal/dialogue"
	"github.com/colloquy-ai/colloquy/internal/evaluate"
)

// FileNamePattern is the layout FileName formats timestamps with.
const FileNamePattern = "dialogue_20060102_150405.md"

// FileName returns the transcript file name for a run started at ts.
func FileName(ts time.Time) string {
	return ts.Format(FileNamePattern)
}

// Header describes the run for the transcript preamble.
type Header struct {
	StartedAt  time.Time
	Discussion dialogue.Discussion
	Roster     []dialogue.Character
}

// FileSink writes a run transcript to a single Markdown file.
//
// The file is created lazily on the first append, so a run that fails
// validation before generating anything leaves no output behind. Every append
// is flushed with fsync before returning, and repeated appends of the same
// turn or section are ignored, satisfying the [Sink] contract.
type FileSink struct {
	path   string
	header Header

	f            *os.File
	nextIndex    int
	evalWritten  bool
	truncWritten bool
	closed       bool
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates a [FileSink] writing to dir/FileName(header.StartedAt).
// The directory is created if missing; the file itself is not touched until
// the first append.
func NewFileSink(dir string, header Header) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	return &FileSink{
		path:   filepath.Join(dir, FileName(header.StartedAt)),
		header: header,
	}, nil
}

// Path returns the transcript file path. The file may not exist yet.
func (s *FileSink) Path() string { return s.path }

// Append implements [Sink]. Turns must arrive in index order; a turn at an
// index already written is a no-op.
func (s *FileSink) Append(turn dialogue.Turn) error {
	if s.closed {
		return fmt.Errorf("transcript %s: sink closed", s.path)
	}
	if turn.Index < s.nextIndex {
		return nil
	}
	if turn.Index > s.nextIndex {
		return fmt.Errorf("transcript %s: turn index %d, expected %d", s.path, turn.Index, s.nextIndex)
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "### Turn %d — %s (round %d)\n\n", turn.Index+1, turn.Character, turn.Round)
	sb.WriteString(strings.TrimSpace(turn.Text))
	sb.WriteString("\n\n")
	md := turn.Metadata
	fmt.Fprintf(&sb, "*%s · %d tokens (%d prompt, %d completion) · %s",
		turn.Timestamp.Format("15:04:05"),
		md.TotalTokens, md.PromptTokens, md.CompletionTokens,
		md.Latency.Round(time.Millisecond))
	if md.Retries > 0 {
		fmt.Fprintf(&sb, " · %d retries", md.Retries)
	}
	sb.WriteString("*\n\n")

	if err := s.write(sb.String()); err != nil {
		return err
	}
	s.nextIndex++
	return nil
}

// AppendEvaluation implements [Sink].
func (s *FileSink) AppendEvaluation(result *evaluate.Result) error {
	if s.closed {
		return fmt.Errorf("transcript %s: sink closed", s.path)
	}
	if s.evalWritten {
		return nil
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("## Evaluation\n\n")
	fmt.Fprintf(&sb, "**Overall: %.1f / %.0f**", result.Overall, evaluate.ScoreMax)
	if result.Judge != "" {
		fmt.Fprintf(&sb, " (judge: %s)", result.Judge)
	}
	sb.WriteString("\n\n")
	if len(result.Dimensions) > 0 {
		sb.WriteString("| Dimension | Score | Weight |\n|---|---|---|\n")
		for _, d := range result.Dimensions {
			fmt.Fprintf(&sb, "| %s | %.1f | %.2f |\n", d.Name, d.Score, d.Weight)
		}
		sb.WriteString("\n")
	}
	if result.Feedback != "" {
		fmt.Fprintf(&sb, "%s\n\n", result.Feedback)
	}

	if err := s.write(sb.String()); err != nil {
		return err
	}
	s.evalWritten = true
	return nil
}

// AppendEvaluationOmitted implements [Sink].
func (s *FileSink) AppendEvaluationOmitted(reason string) error {
	if s.closed {
		return fmt.Errorf("transcript %s: sink closed", s.path)
	}
	if s.evalWritten {
		return nil
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.write(fmt.Sprintf("## Evaluation\n\n*Omitted: %s*\n\n", reason)); err != nil {
		return err
	}
	s.evalWritten = true
	return nil
}

// AppendTruncation implements [Sink].
func (s *FileSink) AppendTruncation(reason string) error {
	if s.closed {
		return fmt.Errorf("transcript %s: sink closed", s.path)
	}
	if s.truncWritten {
		return nil
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.write(fmt.Sprintf("> **Run aborted after %d turns:** %s\n\n", s.nextIndex, reason)); err != nil {
		return err
	}
	s.truncWritten = true
	return nil
}

// Close implements [Sink]. Closing a sink that never appended creates no file.
func (s *FileSink) Close() error {
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("close transcript %s: %w", s.path, err)
	}
	return nil
}

// ensureOpen opens the file and writes the preamble on first use.
func (s *FileSink) ensureOpen() error {
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	s.f = f

	var sb strings.Builder
	sb.WriteString("# Dialogue Transcript\n\n")
	fmt.Fprintf(&sb, "**Started:** %s\n\n", s.header.StartedAt.Format(time.RFC3339))
	if s.header.Discussion.Topic != "" {
		fmt.Fprintf(&sb, "**Topic:** %s\n\n", s.header.Discussion.Topic)
	}
	if s.header.Discussion.Background != "" {
		fmt.Fprintf(&sb, "**Background:** %s\n\n", s.header.Discussion.Background)
	}
	if len(s.header.Roster) > 0 {
		sb.WriteString("## Characters\n\n")
		for _, c := range s.header.Roster {
			fmt.Fprintf(&sb, "- **%s** (%s/%s)\n", c.Name, c.Binding.Provider, c.Binding.Model)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Conversation\n\n")
	return s.write(sb.String())
}

// write appends text and syncs it to disk.
func (s *FileSink) write(text string) error {
	if _, err := s.f.WriteString(text); err != nil {
		return fmt.Errorf("write transcript %s: %w", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync transcript %s: %w", s.path, err)
	}
	return nil
}
