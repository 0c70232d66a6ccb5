// Package cli provides the interactive chat loop and terminal output helpers.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kotae-ai/kotae/internal/rag"
)

// Chat runs the interactive question loop against a ready orchestrator. It
// returns when the input is exhausted or the user types an exit command.
// Query failures are printed and the loop continues.
func Chat(ctx context.Context, orch *rag.Orchestrator, in io.Reader, out io.Writer, streaming bool) error {
	fmt.Fprintf(out, "Chatting with knowledge base %q. Type 'exit' or 'quit' to leave.\n", orch.KnowledgeBase())
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		switch strings.ToLower(query) {
		case "exit", "quit":
			fmt.Fprintln(out, "Bye.")
			return nil
		}

		if err := answerOne(ctx, orch, out, query, streaming); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

func answerOne(ctx context.Context, orch *rag.Orchestrator, out io.Writer, query string, streaming bool) error {
	if !streaming {
		answer, err := orch.Answer(ctx, query)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s\n", answer)
		return nil
	}

	stream, err := orch.AnswerStream(ctx, query)
	if err != nil {
		return err
	}
	defer stream.Close()

	fmt.Fprintln(out)
	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		fmt.Fprint(out, frag)
	}
}
