package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	packidx "github.com/ahrav/go-packidx"
)

var cmdWrite = &cobra.Command{
	Use:   "write [flags] DIR",
	Short: "Build a multi-pack-index from the pack indexes in a directory",
	Long: `
The "write" command reads every *.idx file in DIR and writes a
multi-pack-index covering all of them. The file is written to a temporary
name first and renamed into place, so a concurrent reader never sees a
partial index. An interrupt (Ctrl-C) stops the write cleanly and leaves
no file behind.
`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWrite(args[0]); err != nil {
			logrus.Fatal(err)
		}
	},
}

// WriteCmdOptions bundles all options for the write command.
type WriteCmdOptions struct {
	HashName string
	Output   string
}

var writeOptions WriteCmdOptions

func init() {
	cmdRoot.AddCommand(cmdWrite)

	f := cmdWrite.Flags()
	f.StringVar(&writeOptions.HashName, "hash", "sha1", "object hash of the indexes, 'sha1' or 'sha256'")
	f.StringVar(&writeOptions.Output, "output", "", "output path (default: DIR/"+packidx.MultiIndexFileName+")")
}

func hashKindFromName(name string) (packidx.HashKind, error) {
	switch name {
	case "sha1":
		return packidx.Sha1, nil
	case "sha256":
		return packidx.Sha256, nil
	default:
		return 0, errors.Errorf("unknown hash %q, expected 'sha1' or 'sha256'", name)
	}
}

func runWrite(dir string) error {
	kind, err := hashKindFromName(writeOptions.HashName)
	if err != nil {
		return err
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.idx"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.Errorf("no *.idx files in %s", dir)
	}
	logrus.Infof("indexing %d pack(s)", len(paths))

	// Ctrl-C flips the flag; the writer notices between files and chunks.
	var interrupt atomic.Bool
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		logrus.Warn("interrupt received, stopping")
		interrupt.Store(true)
	}()

	outPath := writeOptions.Output
	if outPath == "" {
		outPath = filepath.Join(dir, packidx.MultiIndexFileName)
	}

	tmp, err := os.CreateTemp(filepath.Dir(outPath), filepath.Base(outPath)+".*.tmp")
	if err != nil {
		return err
	}
	outcome, err := packidx.WriteMultiIndexFromPaths(paths, tmp, newLogProgress(), &interrupt, packidx.WriteOptions{Hash: kind})
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), outPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	logrus.Infof("wrote %s (%d bytes, checksum %s)",
		outPath, outcome.BytesWritten, outcome.Checksum.Format(kind))
	return nil
}

// logProgress reports writer progress through logrus.
type logProgress struct {
	name string
	unit string
	done atomic.Int64
}

func newLogProgress() *logProgress { return &logProgress{} }

func (p *logProgress) SetName(name string) { p.name = name }

func (p *logProgress) Init(total int64, unit string) {
	p.unit = unit
	if total > 0 {
		logrus.Debugf("%s: %d %s", p.name, total, unit)
	}
}

func (p *logProgress) Inc(n int64) { p.done.Add(n) }
