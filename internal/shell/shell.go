// Package shell is the line-oriented front end: every line is a message to
// cluster unless it is one of the keywords clusters, clear or exit.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/qcluster/internal/pipeline"
)

const (
	prompt = "> "
	hint   = "Type a fan message, or one of: clusters, clear, exit"
)

// Pipeline is what the shell drives.
type Pipeline interface {
	ProcessMessage(ctx context.Context, sess *pipeline.Session, msg pipeline.Message) pipeline.Result
	DisplayClusters(ctx context.Context) (pipeline.ClusterReport, error)
	ClearAll(ctx context.Context) (int, error)
}

// Shell reads commands from In and writes everything to Out. Template
// supplies the chat, user and creator ids attached to each message.
type Shell struct {
	In       io.Reader
	Out      io.Writer
	Pipeline Pipeline
	Session  *pipeline.Session
	Template pipeline.Message
}

// Run loops until exit, end of input or ctx cancellation. Command errors
// are printed and never end the loop.
func (s *Shell) Run(ctx context.Context) error {
	if s.Session == nil {
		s.Session = pipeline.NewSession(0)
	}
	scanner := bufio.NewScanner(s.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(s.Out, hint)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprint(s.Out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.Out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch strings.ToLower(line) {
		case "":
			fmt.Fprintln(s.Out, hint)
		case "exit":
			fmt.Fprintln(s.Out, "bye")
			return nil
		case "clusters":
			report, err := s.Pipeline.DisplayClusters(ctx)
			if err != nil {
				s.fail(err)
				continue
			}
			WriteReport(s.Out, report)
		case "clear":
			n, err := s.Pipeline.ClearAll(ctx)
			if err != nil {
				s.fail(err)
				continue
			}
			s.Session.Reset()
			fmt.Fprintf(s.Out, "✓ deleted %d vector(s)\n", n)
		default:
			msg := s.Template
			msg.Text = line
			WriteResult(s.Out, s.Pipeline.ProcessMessage(ctx, s.Session, msg))
		}
	}
}

func (s *Shell) fail(err error) {
	fmt.Fprintf(s.Out, "✗ %v\n", err)
}
