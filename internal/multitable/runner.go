package multitable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sceneetl/internal/config"
	"sceneetl/internal/extract"
	"sceneetl/internal/metrics"
	xmlparser "sceneetl/internal/parser/xml"
	"sceneetl/internal/storage"
)

// DocumentRunner processes one parsed document. *Engine implements it.
type DocumentRunner interface {
	RunDocument(ctx context.Context, doc Document) (*Report, error)
}

// Runner imports every document of every configured family.
//
// All fields are seams; NewDefaultRunner fills them for production use.
type Runner struct {
	// storage-agnostic factory seam
	NewGateway func(ctx context.Context, cfg storage.Config) (storage.Gateway, error)
	NewEngine  func(gw storage.Gateway, logger Logger, p config.Pipeline) DocumentRunner
	NewLogger  func(w io.Writer) Logger
	ParseFile  func(path string) (extract.Node, error)
	ListDir    func(dir string) ([]string, error)
	LoadEnv    func() error

	// LogOutput receives engine logs. Defaults to os.Stderr.
	LogOutput io.Writer
}

// NewDefaultRunner wires the real gateway registry, XML parser and engine.
func NewDefaultRunner() *Runner {
	return &Runner{
		NewGateway: storage.New,
		NewEngine: func(gw storage.Gateway, logger Logger, p config.Pipeline) DocumentRunner {
			return &Engine{Gateway: gw, Logger: logger, RowHash: p.RowHash}
		},
		NewLogger: func(w io.Writer) Logger { return log.New(w, "", log.LstdFlags) },
		ParseFile: func(path string) (extract.Node, error) {
			root, err := xmlparser.ParseFile(path)
			if err != nil {
				return nil, err
			}
			return root, nil
		},
		ListDir: ListDocuments,
		LoadEnv: func() error { return config.LoadEnv() },
	}
}

// Run validates p, opens one gateway for the whole run and processes every
// family's documents in lexical file order. Within a family, the n-th
// document gets project id n.
//
// A failing document is logged and counted, and the run continues with the
// next one; Run returns all document errors joined. Only configuration,
// environment and gateway setup errors abort the run early.
func (r *Runner) Run(ctx context.Context, p config.Pipeline) error {
	if len(p.Families) == 0 {
		return config.ErrNoFamilies
	}
	if issues := config.ValidatePipeline(p); config.HasErrors(issues) {
		var errs []error
		for _, iss := range issues {
			if iss.Severity == config.SeverityError {
				errs = append(errs, errors.New(iss.String()))
			}
		}
		return fmt.Errorf("invalid pipeline: %w", errors.Join(errs...))
	}

	if r.LoadEnv != nil {
		if err := r.LoadEnv(); err != nil {
			return fmt.Errorf("load env: %w", err)
		}
	}

	out := r.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := r.NewLogger(out)

	gw, err := r.NewGateway(ctx, storage.Config{
		Kind:   p.Storage.Kind,
		DSN:    config.ResolveDSN(p.Storage),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer gw.Close()

	engine := r.NewEngine(gw, logger, p)
	start := time.Now()

	var errs []error
	docs := 0
	for _, fam := range p.Families {
		paths, err := r.ListDir(fam.Dir)
		if err != nil {
			logger.Printf("stage=list family=%s dir=%s error=%v", fam.Name, fam.Dir, err)
			errs = append(errs, fmt.Errorf("family %s: %w", fam.Name, err))
			continue
		}
		logger.Printf("stage=list family=%s dir=%s documents=%d", fam.Name, fam.Dir, len(paths))

		for i, path := range paths {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			docs++
			err := r.runOne(ctx, engine, fam, path, int64(i+1))
			metrics.RecordDocument(err)
			if err != nil {
				logger.Printf("stage=document family=%s path=%s error=%v", fam.Name, path, err)
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
	}

	logger.Printf("stage=run documents=%d failed=%d duration=%s", docs, len(errs), durMS(start))
	return errors.Join(errs...)
}

func (r *Runner) runOne(ctx context.Context, engine DocumentRunner, fam config.FamilyConfig, path string, projectID int64) error {
	start := time.Now()
	root, err := r.ParseFile(path)
	metrics.RecordStep("parse", start, err)
	if err != nil {
		return err
	}
	_, err = engine.RunDocument(ctx, Document{
		Path:      path,
		Root:      root,
		ProjectID: projectID,
		Family:    fam,
	})
	return err
}

// ListDocuments returns the *.xml files directly inside dir, sorted by name.
func ListDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".xml") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
