// Package transaction orchestrates the ordered Install/Remove/Change steps
// that turn a solver's decision set into prefix changes, applying each
// step's linker operation in turn and rolling every completed step back, in
// reverse order, the moment any one of them fails. The rollback discipline
// mirrors the teacher's SafeWriter.Write: move things out of the way before
// writing the replacement, remember what was moved so a failure partway
// through can be undone, and only discard the undo information once every
// step has succeeded.
package transaction

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/envsolve/envsolve/linker"
	"github.com/envsolve/envsolve/pool"
	"github.com/envsolve/envsolve/prefixdata"
)

// StepKind distinguishes the three shapes a transaction step can take.
type StepKind int

const (
	StepInstall StepKind = iota
	StepRemove
	StepChange
)

func (k StepKind) String() string {
	switch k {
	case StepInstall:
		return "install"
	case StepRemove:
		return "remove"
	case StepChange:
		return "change"
	default:
		return "unknown"
	}
}

// Step is one unit of prefix work: Old is populated for Remove/Change, New
// for Install/Change.
type Step struct {
	Kind StepKind
	Old  *pool.PackageInfo
	New  *pool.PackageInfo
}

func (s Step) name() string {
	if s.New != nil {
		return s.New.Name
	}
	return s.Old.Name
}

// Transaction is an ordered plan of steps plus the prefix they apply to.
// Steps execute in order; RelPaths, needed to unlink an old package
// version, is supplied by the caller via SetRemovedPaths since the
// recorded path list lives in the prefix's conda-meta data, not in the
// in-memory PackageInfo.
type Transaction struct {
	Prefix string
	Steps  []Step

	removedPaths map[string][]string
	executed     []linker.TransactionOp
}

// New builds a transaction from the solver's install/remove sets, merging
// an install and a remove of the same package name into a single Change
// step. It enforces the invariant that no package name appears more than
// once across the merged step list: a solver bug that emits both an
// install and remove of the same two distinct names, or any other
// duplicate, is rejected here rather than silently executed.
func New(prefix string, toInstall, toRemove []*pool.PackageInfo) (*Transaction, error) {
	removeByName := make(map[string]*pool.PackageInfo, len(toRemove))
	for _, p := range toRemove {
		if _, dup := removeByName[p.Name]; dup {
			return nil, errors.Errorf("transaction: duplicate remove of %q", p.Name)
		}
		removeByName[p.Name] = p
	}

	seen := make(map[string]bool, len(toInstall)+len(toRemove))
	var steps []Step
	for _, p := range toInstall {
		if seen[p.Name] {
			return nil, errors.Errorf("transaction: duplicate step for %q", p.Name)
		}
		seen[p.Name] = true
		if old, ok := removeByName[p.Name]; ok {
			steps = append(steps, Step{Kind: StepChange, Old: old, New: p})
			delete(removeByName, p.Name)
		} else {
			steps = append(steps, Step{Kind: StepInstall, New: p})
		}
	}
	for _, p := range toRemove {
		if _, stillPending := removeByName[p.Name]; !stillPending {
			continue // consumed into a Change step above
		}
		if seen[p.Name] {
			return nil, errors.Errorf("transaction: duplicate step for %q", p.Name)
		}
		seen[p.Name] = true
		steps = append(steps, Step{Kind: StepRemove, Old: p})
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].name() < steps[j].name() })
	return &Transaction{Prefix: prefix, Steps: steps, removedPaths: map[string][]string{}}, nil
}

// SetRemovedPaths supplies the recorded file list for a package being
// removed or changed, read by the caller from the prefix's stored record
// before Execute runs.
func (t *Transaction) SetRemovedPaths(name string, relPaths []string) {
	t.removedPaths[name] = relPaths
}

// Execute applies every step's linker operation and updates the prefix's
// package records to match, in order, undoing everything completed so far
// the moment one step fails.
func (t *Transaction) Execute(ctx context.Context, extractedDirFor func(*pool.PackageInfo) (string, error), pd *prefixdata.PrefixData) (err error) {
	defer func() {
		if err != nil {
			t.rollback()
		}
	}()

	for _, step := range t.Steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.executeStep(step, extractedDirFor, pd); err != nil {
			return errors.Wrapf(err, "transaction: step %s %s", step.Kind, step.name())
		}
	}
	t.executed = nil
	return nil
}

func (t *Transaction) executeStep(step Step, extractedDirFor func(*pool.PackageInfo) (string, error), pd *prefixdata.PrefixData) error {
	switch step.Kind {
	case StepInstall:
		return t.link(step.New, extractedDirFor, pd)
	case StepRemove:
		return t.unlink(step.Old, pd)
	case StepChange:
		if err := t.unlink(step.Old, pd); err != nil {
			return err
		}
		return t.link(step.New, extractedDirFor, pd)
	default:
		return errors.Errorf("transaction: unknown step kind %d", step.Kind)
	}
}

func (t *Transaction) link(p *pool.PackageInfo, extractedDirFor func(*pool.PackageInfo) (string, error), pd *prefixdata.PrefixData) error {
	dir, err := extractedDirFor(p)
	if err != nil {
		return err
	}
	op := &linker.LinkOp{Prefix: t.Prefix, ExtractedDir: dir, Info: p}
	if err := op.Execute(); err != nil {
		return err
	}
	t.executed = append(t.executed, op)
	return pd.Put(p)
}

func (t *Transaction) unlink(p *pool.PackageInfo, pd *prefixdata.PrefixData) error {
	op := &linker.UnlinkOp{Prefix: t.Prefix, Info: p, RelPaths: t.removedPaths[p.Name]}
	if err := op.Execute(); err != nil {
		return err
	}
	t.executed = append(t.executed, op)
	return pd.Remove(p)
}

func (t *Transaction) rollback() {
	for i := len(t.executed) - 1; i >= 0; i-- {
		t.executed[i].Undo()
	}
	t.executed = nil
}

// ToInstall and ToRemove project the step list back into the flat
// collections a caller (or a dry-run report) typically wants to show.
func (t *Transaction) ToInstall() []*pool.PackageInfo {
	var out []*pool.PackageInfo
	for _, s := range t.Steps {
		if s.Kind == StepInstall || s.Kind == StepChange {
			out = append(out, s.New)
		}
	}
	return out
}

func (t *Transaction) ToRemove() []*pool.PackageInfo {
	var out []*pool.PackageInfo
	for _, s := range t.Steps {
		if s.Kind == StepRemove || s.Kind == StepChange {
			out = append(out, s.Old)
		}
	}
	return out
}

// rawStepDiff is the TOML-serializable shape of one reported step.
type rawStepDiff struct {
	Kind string `toml:"kind"`
	Name string `toml:"name"`
	From string `toml:"from,omitempty"`
	To   string `toml:"to,omitempty"`
}

type rawDiff struct {
	Steps []rawStepDiff `toml:"steps"`
}

// DryRunDiff renders the planned steps as a TOML document, in the style of
// the teacher's LockDiff.Format, without touching the filesystem.
func (t *Transaction) DryRunDiff() (string, error) {
	raw := rawDiff{}
	for _, s := range t.Steps {
		d := rawStepDiff{Kind: s.Kind.String(), Name: s.name()}
		if s.Old != nil {
			d.From = s.Old.Version.String() + "=" + s.Old.BuildString
		}
		if s.New != nil {
			d.To = s.New.Version.String() + "=" + s.New.BuildString
		}
		raw.Steps = append(raw.Steps, d)
	}

	chunk, err := toml.Marshal(raw)
	if err != nil {
		return "", errors.Wrap(err, "transaction: marshaling dry-run diff")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Transaction\n\n")
	buf.Write(chunk)
	return buf.String(), nil
}
