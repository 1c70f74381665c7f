package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"sync"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

//go:embed template
var templates embed.FS

// Library serves the embedded role instructions and round framing.
// It is safe for concurrent use.
type Library struct {
	once    sync.Once
	roles   map[string]string
	rounds  map[statex.RoundKind]string
	output  string
	loadErr error
}

var _ contractx.ContentStore = (*Library)(nil)

func NewLibrary() *Library {
	return &Library{}
}

func (l *Library) load() {
	l.once.Do(func() {
		l.roles = make(map[string]string)
		l.rounds = make(map[statex.RoundKind]string)

		entries, err := fs.ReadDir(templates, "template/roles")
		if err != nil {
			l.loadErr = fmt.Errorf("%w: read role templates: %v", contractx.ErrPromptMissing, err)
			return
		}
		for _, e := range entries {
			raw, err := templates.ReadFile(path.Join("template/roles", e.Name()))
			if err != nil {
				l.loadErr = fmt.Errorf("%w: read %s: %v", contractx.ErrPromptMissing, e.Name(), err)
				return
			}
			l.roles[strings.TrimSuffix(e.Name(), ".txt")] = strings.TrimSpace(string(raw))
		}

		for _, kind := range []statex.RoundKind{statex.RoundInitial, statex.RoundChallenge, statex.RoundConsensus} {
			raw, err := templates.ReadFile("template/rounds/" + string(kind) + ".txt")
			if err != nil {
				l.loadErr = fmt.Errorf("%w: read round framing %s: %v", contractx.ErrPromptMissing, kind, err)
				return
			}
			l.rounds[kind] = strings.TrimSpace(string(raw))
		}

		raw, err := templates.ReadFile("template/output_contract.txt")
		if err != nil {
			l.loadErr = fmt.Errorf("%w: read output contract: %v", contractx.ErrPromptMissing, err)
			return
		}
		l.output = strings.TrimSpace(string(raw))
	})
}

// GetRoleInstructions returns the role text followed by the output contract.
func (l *Library) GetRoleInstructions(role string) (string, error) {
	l.load()
	if l.loadErr != nil {
		return "", l.loadErr
	}
	text, ok := l.roles[strings.TrimSpace(role)]
	if !ok || text == "" {
		return "", fmt.Errorf("%w: no instructions for role %q", contractx.ErrPromptMissing, role)
	}
	return text + "\n\n" + l.output, nil
}

// RoundFraming returns the framing for kind with {round} left in place.
func (l *Library) RoundFraming(kind statex.RoundKind) (string, error) {
	l.load()
	if l.loadErr != nil {
		return "", l.loadErr
	}
	text, ok := l.rounds[kind]
	if !ok {
		return "", fmt.Errorf("%w: no framing for round kind %q", contractx.ErrPromptMissing, kind)
	}
	return text, nil
}

// Roles lists the roles that have instructions.
func (l *Library) Roles() []string {
	l.load()
	out := make([]string, 0, len(l.roles))
	for role := range l.roles {
		out = append(out, role)
	}
	return out
}

// FrameRound substitutes the round number into a framing template.
func FrameRound(framing string, round int) string {
	return strings.ReplaceAll(framing, "{round}", strconv.Itoa(round))
}
