package grid

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum-optimism/infra/op-regress/model"
)

// Message framing between slave and master:
//
//	<identifier>[.NO_REUSE][.RERUN_TEST]\n
//	<app description>:<relative path>\n
//	<encoded state>                       until the slave closes its write side
//
// The master answers with "<app description>:<relative path>" to hand the
// slave another test, or closes without writing anything.
const (
	TerminateServer = "TERMINATE_SERVER"
	NoReuseSuffix   = ".NO_REUSE"
	RerunSuffix     = ".RERUN_TEST"
)

// Identifier is the first line of a slave message
type Identifier struct {
	ID      string
	NoReuse bool
	Rerun   bool
}

func (id Identifier) String() string {
	s := id.ID
	if id.NoReuse {
		s += NoReuseSuffix
	}
	if id.Rerun {
		s += RerunSuffix
	}
	return s
}

func ParseIdentifier(line string) Identifier {
	id := Identifier{ID: strings.TrimSpace(line)}
	for {
		switch {
		case strings.HasSuffix(id.ID, RerunSuffix):
			id.Rerun = true
			id.ID = strings.TrimSuffix(id.ID, RerunSuffix)
		case strings.HasSuffix(id.ID, NoReuseSuffix):
			id.NoReuse = true
			id.ID = strings.TrimSuffix(id.ID, NoReuseSuffix)
		default:
			return id
		}
	}
}

// TestString names t on the wire
func TestString(t *model.Node) string {
	return t.App.Description() + ":" + t.RelPath
}

// ParseTestString splits "app.v1:path". Paths may contain ':'.
func ParseTestString(s string) (app, relPath string, err error) {
	app, relPath, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || app == "" {
		return "", "", fmt.Errorf("malformed test identifier %q", s)
	}
	return app, relPath, nil
}

// Message is one state report from a slave
type Message struct {
	Identifier Identifier
	App        string
	RelPath    string
	State      []byte
}

// WriteMessage frames a state report
func WriteMessage(w io.Writer, id Identifier, test string, state []byte) error {
	if _, err := fmt.Fprintf(w, "%s\n%s\n", id, test); err != nil {
		return err
	}
	_, err := w.Write(state)
	return err
}

// ReadMessage parses a slave message. A nil message and nil error mean the
// terminate sentinel was received.
func ReadMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	first, err := br.ReadString('\n')
	if err != nil && first == "" {
		return nil, fmt.Errorf("failed to read identifier: %w", err)
	}
	if strings.TrimSpace(first) == TerminateServer {
		return nil, nil
	}
	second, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read test identifier: %w", err)
	}
	app, relPath, err := ParseTestString(second)
	if err != nil {
		return nil, err
	}
	state, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return &Message{Identifier: ParseIdentifier(first), App: app, RelPath: relPath, State: state}, nil
}
