package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"zeroshare/pkg/cmdrun"
	"zeroshare/services/catalog"
)

// CouldNotParse marks an audit whose output was unusable.
const CouldNotParse = "could not parse"

const (
	changeLogWindowDays = 30
	changeLogLimit      = 50
	stderrExcerptBytes  = 2048
)

var skippedDirs = map[string]struct{}{
	"node_modules":     {},
	"vendor":           {},
	"bower_components": {},
	"dist":             {},
	"build":            {},
	"coverage":         {},
}

func defaultProducers() map[catalog.Kind]producer {
	return map[catalog.Kind]producer{
		catalog.KindSecurityScan:   securityScan,
		catalog.KindCodeQuality:    codeQuality,
		catalog.KindAccessControl:  accessControl,
		catalog.KindEncryption:     encryption,
		catalog.KindChangeLog:      changeLog,
		catalog.KindDataFlow:       dataFlow,
		catalog.KindAssetInventory: assetInventory,
		catalog.KindDataRetention:  dataRetention,
	}
}

func accessControl(_ context.Context, g *Generator) (output, error) {
	if len(g.cfg.Posture.AccessControl) == 0 {
		return output{}, errNoPosture
	}
	return output{payload: g.cfg.Posture.AccessControl}, nil
}

func encryption(_ context.Context, g *Generator) (output, error) {
	if len(g.cfg.Posture.Encryption) == 0 {
		return output{}, errNoPosture
	}
	return output{payload: g.cfg.Posture.Encryption}, nil
}

func dataFlow(_ context.Context, g *Generator) (output, error) {
	return output{payload: g.cfg.Posture.DataFlow, markdown: "data-flow.md.tmpl"}, nil
}

func assetInventory(_ context.Context, g *Generator) (output, error) {
	return output{payload: g.cfg.Posture.AssetInventory, markdown: "asset-inventory.md.tmpl"}, nil
}

func dataRetention(_ context.Context, g *Generator) (output, error) {
	return output{payload: g.cfg.Posture.DataRetention, markdown: "data-retention.md.tmpl"}, nil
}

// SecurityScan is the payload for the dependency audit.
type SecurityScan struct {
	Tool         string         `json:"tool"`
	Status       string         `json:"status"`
	ExitCode     int            `json:"exit_code"`
	Summary      map[string]int `json:"summary,omitempty"`
	Dependencies int            `json:"dependencies,omitempty"`
	Findings     []Finding      `json:"findings,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type Finding struct {
	Package      string `json:"package"`
	Severity     string `json:"severity"`
	Direct       bool   `json:"direct"`
	FixAvailable bool   `json:"fix_available"`
}

type npmAudit struct {
	Vulnerabilities map[string]struct {
		Name         string          `json:"name"`
		Severity     string          `json:"severity"`
		IsDirect     bool            `json:"isDirect"`
		FixAvailable json.RawMessage `json:"fixAvailable"`
	} `json:"vulnerabilities"`
	Metadata struct {
		Vulnerabilities map[string]int  `json:"vulnerabilities"`
		Dependencies    json.RawMessage `json:"dependencies"`
	} `json:"metadata"`
	Error *struct {
		Code    string `json:"code"`
		Summary string `json:"summary"`
	} `json:"error"`
}

// securityScan tolerates a non-zero exit since audit tools use it to signal findings.
func securityScan(ctx context.Context, g *Generator) (output, error) {
	cmd := g.cfg.AuditCommand
	cmd.Dir = g.cfg.ProjectRoot
	res, runErr := g.cfg.Runner.Run(ctx, cmd)

	scan := SecurityScan{Tool: cmd.String(), ExitCode: res.ExitCode}
	unparsable := func(reason string) (output, error) {
		scan.Status = CouldNotParse
		scan.Summary, scan.Dependencies, scan.Findings = nil, 0, nil
		scan.Stderr = excerpt(res.Stderr)
		scan.Error = reason
		g.cfg.Logger.Warn().Str("kind", string(catalog.KindSecurityScan)).Str("reason", reason).Msg("audit output could not be parsed")
		return output{payload: scan, note: "audit output could not be parsed"}, nil
	}

	if runErr != nil && len(bytes.TrimSpace(res.Stdout)) == 0 {
		return unparsable(runErr.Error())
	}

	var audit npmAudit
	if err := json.Unmarshal(res.Stdout, &audit); err != nil {
		return unparsable(fmt.Sprintf("decode audit output: %v", err))
	}
	if audit.Error != nil {
		return unparsable(strings.TrimSpace(audit.Error.Code + " " + audit.Error.Summary))
	}
	if audit.Metadata.Vulnerabilities == nil {
		return unparsable("audit output has no vulnerability summary")
	}

	scan.Status = "parsed"
	scan.Summary = audit.Metadata.Vulnerabilities
	scan.Dependencies = countDependencies(audit.Metadata.Dependencies)
	for key, v := range audit.Vulnerabilities {
		name := v.Name
		if name == "" {
			name = key
		}
		fix := len(v.FixAvailable) > 0 && string(v.FixAvailable) != "false"
		scan.Findings = append(scan.Findings, Finding{Package: name, Severity: v.Severity, Direct: v.IsDirect, FixAvailable: fix})
	}
	sort.Slice(scan.Findings, func(i, j int) bool { return scan.Findings[i].Package < scan.Findings[j].Package })
	return output{payload: scan}, nil
}

// countDependencies accepts both the numeric and the per-scope object forms npm emits.
func countDependencies(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var scoped map[string]int
	if err := json.Unmarshal(raw, &scoped); err == nil {
		if total, ok := scoped["total"]; ok {
			return total
		}
	}
	return 0
}

// CodeQuality is the payload for source metrics.
type CodeQuality struct {
	SourceRoot  string                    `json:"source_root"`
	Files       int                       `json:"files"`
	Lines       int                       `json:"lines"`
	ByExtension map[string]ExtensionStats `json:"by_extension"`
	TypeCheck   TypeCheck                 `json:"type_check"`
}

type ExtensionStats struct {
	Files int `json:"files"`
	Lines int `json:"lines"`
}

type TypeCheck struct {
	Command  string `json:"command"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

func codeQuality(ctx context.Context, g *Generator) (output, error) {
	root := g.cfg.SourceRoot
	if root == "" {
		root = "src"
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(g.cfg.ProjectRoot, root)
	}

	report := CodeQuality{
		SourceRoot:  filepath.ToSlash(g.cfg.SourceRoot),
		ByExtension: make(map[string]ExtensionStats),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, skip := skippedDirs[name]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		lines := bytes.Count(data, []byte{'\n'})
		if len(data) > 0 && data[len(data)-1] != '\n' {
			lines++
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == "" {
			ext = "(none)"
		}
		stats := report.ByExtension[ext]
		stats.Files++
		stats.Lines += lines
		report.ByExtension[ext] = stats
		report.Files++
		report.Lines += lines
		return nil
	})
	if err != nil {
		return output{}, fmt.Errorf("scan source root: %w", err)
	}

	cmd := g.cfg.TypeCheckCommand
	cmd.Dir = g.cfg.ProjectRoot
	report.TypeCheck.Command = cmd.String()
	res, runErr := g.cfg.Runner.Run(ctx, cmd)
	report.TypeCheck.ExitCode = res.ExitCode
	report.TypeCheck.Passed = runErr == nil && res.ExitCode == 0
	if runErr != nil {
		report.TypeCheck.Error = runErr.Error()
	}

	return output{payload: report}, nil
}

// ChangeLog is the payload for recent version-control history.
type ChangeLog struct {
	WindowDays int      `json:"window_days"`
	Limit      int      `json:"limit"`
	Commits    []Commit `json:"commits"`
	Note       string   `json:"note,omitempty"`
}

type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

func changeLog(ctx context.Context, g *Generator) (output, error) {
	cmd := cmdrun.Command{
		Name: "git",
		Args: []string{
			"log",
			fmt.Sprintf("--since=%d.days.ago", changeLogWindowDays),
			"-n", fmt.Sprint(changeLogLimit),
			"--pretty=format:%H%x1f%an%x1f%aI%x1f%s",
		},
		Dir: g.cfg.ProjectRoot,
	}

	log := ChangeLog{WindowDays: changeLogWindowDays, Limit: changeLogLimit, Commits: []Commit{}}
	res, err := g.cfg.Runner.Run(ctx, cmd)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("git exited with %d: %s", res.ExitCode, excerpt(res.Stderr))
	}
	if err != nil {
		log.Note = "version control history unavailable"
		g.cfg.Logger.Warn().Err(err).Msg("git history unavailable, recording empty change log")
		return output{payload: log, note: log.Note}, nil
	}

	for _, line := range strings.Split(string(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\x1f", 4)
		if len(parts) != 4 {
			continue
		}
		log.Commits = append(log.Commits, Commit{Hash: parts[0], Author: parts[1], Date: parts[2], Subject: parts[3]})
		if len(log.Commits) == changeLogLimit {
			break
		}
	}
	return output{payload: log}, nil
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrExcerptBytes {
		s = s[:stderrExcerptBytes]
	}
	return s
}

var errNoPosture = errors.New("posture statements are not configured")
