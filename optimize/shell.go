package optimize

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/caarlos0/env/v10"
	"go.uber.org/zap"
)

// SolverEnv is the deployment side of the external solver setup, read from
// FFD_* environment variables so the same input file runs on a workstation
// and under a batch scheduler.
type SolverEnv struct {
	Shell    string   `env:"FFD_SHELL" envDefault:"/bin/sh"`
	Launcher string   `env:"FFD_LAUNCHER"` // e.g. "mpirun -np 8"
	NProcs   int      `env:"FFD_NPROCS" envDefault:"1"`
	Extra    []string `env:"FFD_SOLVER_ENV" envSeparator:";"` // KEY=VALUE pairs added to the solver environment
}

// LoadSolverEnv parses the solver environment from environ, or from the
// process environment when environ is nil.
func LoadSolverEnv(environ map[string]string) (cfg SolverEnv, err error) {
	if environ == nil {
		err = env.Parse(&cfg)
	} else {
		err = env.ParseWithOptions(&cfg, env.Options{Environment: environ})
	}
	if err == nil && cfg.NProcs < 1 {
		err = fmt.Errorf("FFD_NPROCS must be >= 1, have %d", cfg.NProcs)
	}
	return
}

/*
	Commands and artifact paths are text/template strings expanded with
	commandData, e.g.

		MeshCommand:     "./Allmesh {{.Surface}} > /dev/null"
		SolveCommand:    "{{.Launcher}} simpleFoam -parallel && {{.Launcher}} adjointOptimisationFoam -parallel"
		SensitivityFile: "postProcessing/sensitivity/{{.Iteration}}/sensitivity.dat"

	Relative artifact paths are resolved against the iteration work
	directory.
*/

type ShellConfig struct {
	MeshCommand     string
	SolveCommand    string
	MeshFile        string
	SensitivityFile string
	ObjectiveFile   string
	ObjectiveColumn int // Column of the last row holding the objective, negative counts from the end
	Env             SolverEnv
}

type commandData struct {
	Iteration     int
	WorkDir       string
	Surface       string
	ControlPoints string
	Mesh          string
	NProcs        int
	Launcher      string
}

// ShellCollaborator runs the mesher and solver as shell commands in the
// iteration work directory, one at a time.
type ShellCollaborator struct {
	cfg                         ShellConfig
	mesh, solve                 *template.Template
	meshFile, sensFile, objFile *template.Template
	logger                      *zap.Logger
}

func NewShellCollaborator(cfg ShellConfig, logger *zap.Logger) (sc *ShellCollaborator, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc = &ShellCollaborator{cfg: cfg, logger: logger.Named("solver")}
	parse := func(name, text string, dst **template.Template) {
		if err != nil {
			return
		}
		if strings.TrimSpace(text) == "" {
			err = fmt.Errorf("%s is empty", name)
			return
		}
		*dst, err = template.New(name).Option("missingkey=error").Parse(text)
	}
	parse("MeshCommand", cfg.MeshCommand, &sc.mesh)
	parse("SolveCommand", cfg.SolveCommand, &sc.solve)
	parse("MeshFile", cfg.MeshFile, &sc.meshFile)
	parse("SensitivityFile", cfg.SensitivityFile, &sc.sensFile)
	parse("ObjectiveFile", cfg.ObjectiveFile, &sc.objFile)
	if err != nil {
		return nil, err
	}
	return
}

func (sc *ShellCollaborator) Mesh(ctx context.Context, req MeshRequest) (art MeshArtifact, err error) {
	data := sc.data(req.Iteration, req.WorkDir)
	data.Surface, data.ControlPoints = req.Surface, req.ControlPoints
	if err = sc.run(ctx, sc.mesh, data, req.WorkDir); err != nil {
		return
	}
	art.Mesh, err = sc.path(sc.meshFile, data, req.WorkDir)
	return
}

func (sc *ShellCollaborator) Solve(ctx context.Context, req SolveRequest) (art SolveArtifact, err error) {
	data := sc.data(req.Iteration, req.WorkDir)
	data.Surface, data.Mesh = req.Surface, req.Mesh
	if err = sc.run(ctx, sc.solve, data, req.WorkDir); err != nil {
		return
	}
	if art.Sensitivity, err = sc.path(sc.sensFile, data, req.WorkDir); err != nil {
		return
	}
	var objFile string
	if objFile, err = sc.path(sc.objFile, data, req.WorkDir); err != nil {
		return
	}
	art.Objective, err = ReadObjective(objFile, sc.cfg.ObjectiveColumn)
	return
}

func (sc *ShellCollaborator) data(iteration int, workDir string) commandData {
	return commandData{
		Iteration: iteration,
		WorkDir:   workDir,
		NProcs:    sc.cfg.Env.NProcs,
		Launcher:  sc.cfg.Env.Launcher,
	}
}

func (sc *ShellCollaborator) expand(t *template.Template, data commandData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (sc *ShellCollaborator) path(t *template.Template, data commandData, workDir string) (p string, err error) {
	if p, err = sc.expand(t, data); err != nil {
		return
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	return
}

// run executes one command with its output captured in <name>.log in the
// work directory.
func (sc *ShellCollaborator) run(ctx context.Context, t *template.Template, data commandData, workDir string) (err error) {
	var command string
	if command, err = sc.expand(t, data); err != nil {
		return
	}
	logPath := filepath.Join(workDir, strings.TrimSuffix(strings.ToLower(t.Name()), "command")+".log")
	var logFile *os.File
	if logFile, err = os.Create(logPath); err != nil {
		return
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, sc.cfg.Env.Shell, "-c", command)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), sc.cfg.Env.Extra...)
	cmd.Stdout, cmd.Stderr = logFile, logFile

	start := time.Now()
	sc.logger.Info("running external command",
		zap.String("step", t.Name()), zap.Int("iteration", data.Iteration), zap.String("command", command))
	if err = cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (output in %s)", command, err, logPath)
	}
	sc.logger.Info("external command finished",
		zap.String("step", t.Name()), zap.Duration("elapsed", time.Since(start)))
	return
}

// ReadObjective reads the objective from the last data row of a
// whitespace separated table, such as an OpenFOAM coefficient file. Lines
// starting with '#' are skipped.
func ReadObjective(path string, column int) (obj float64, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	var (
		last    []string
		scanner = bufio.NewScanner(f)
	)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		last = strings.Fields(text)
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if len(last) == 0 {
		return 0, fmt.Errorf("%s has no data rows", path)
	}
	col := column
	if col < 0 {
		col += len(last)
	}
	if col < 0 || col >= len(last) {
		return 0, fmt.Errorf("%s: objective column %d outside a row of %d columns", path, column, len(last))
	}
	if obj, err = strconv.ParseFloat(last[col], 64); err != nil {
		return 0, fmt.Errorf("%s: objective: %w", path, err)
	}
	return
}
