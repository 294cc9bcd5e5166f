// modelctl 管理检查点仓库：列出、查看、发布、删除和重建索引
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"modelkit/config"
	"modelkit/db"
	"modelkit/hub"
	"modelkit/logging"
	"modelkit/ml"
)

const usage = `usage: modelctl [-config path] <command> [args]

commands:
  list                 list checkpoints in the catalog
  inspect <name|file>  show params and state dict of a checkpoint
  publish <name>       mark a checkpoint as pretrained weights (-unpublish to clear)
  delete <name>        delete a checkpoint file and its catalog row
  reindex              sync the catalog with the checkpoint directory
  log <run>            show the training log of a run
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(context.Background(), *configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "modelctl: %v\n", err)
		os.Exit(1)
	}
}

// cli 命令运行环境
type cli struct {
	hub     *hub.Hub
	catalog *db.Catalog
	out     io.Writer
	p       *message.Printer
}

func run(ctx context.Context, configPath string, args []string, out io.Writer) (err error) {
	cfg, err := config.Load(configPath)
	if os.IsNotExist(err) {
		cfg = config.Default()
	} else if err != nil {
		return err
	}
	cfg.Log.Level = "warn"
	cfg.Log.File.Path = ""
	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// inspect 可以直接读取文件，不需要打开仓库
	if args[0] == "inspect" && len(args) == 2 && strings.HasSuffix(args[1], hub.Ext) {
		c := &cli{out: out, p: message.NewPrinter(language.English)}
		return c.inspectFile(args[1])
	}

	catalog, err := db.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, catalog.Close()) }()
	cfg.Hub.Watch = false
	h, err := hub.New(cfg.Hub, catalog, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, h.Close()) }()

	c := &cli{hub: h, catalog: catalog, out: out, p: message.NewPrinter(language.English)}
	return c.dispatch(ctx, args, logger)
}

func (c *cli) dispatch(ctx context.Context, args []string, logger *zap.Logger) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		return c.list(ctx)
	case "inspect":
		if len(rest) != 1 {
			return errors.New("inspect needs exactly one checkpoint name")
		}
		return c.inspect(rest[0])
	case "publish":
		fs := flag.NewFlagSet("publish", flag.ContinueOnError)
		unpublish := fs.Bool("unpublish", false, "clear the published flag")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("publish needs exactly one checkpoint name")
		}
		if err := c.hub.Publish(ctx, fs.Arg(0), !*unpublish); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s published=%t\n", fs.Arg(0), !*unpublish)
		return nil
	case "delete":
		if len(rest) != 1 {
			return errors.New("delete needs exactly one checkpoint name")
		}
		if err := c.hub.Delete(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "deleted %s\n", rest[0])
		return nil
	case "reindex":
		added, removed, err := c.hub.Reindex(ctx)
		if err != nil {
			return err
		}
		c.p.Fprintf(c.out, "reindexed: %d added, %d removed\n", added, removed)
		return nil
	case "log":
		if len(rest) != 1 {
			return errors.New("log needs exactly one run id")
		}
		return c.trainingLog(ctx, rest[0])
	default:
		logger.Debug("unknown command", zap.String("command", cmd))
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func (c *cli) list(ctx context.Context) error {
	entries, err := c.hub.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tARCH\tPARAMETERS\tPUBLISHED\tSAVED")
	for _, e := range entries {
		c.p.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n",
			e.Name, e.ModelName, orDash(e.Arch), e.NumParameters, e.Published, e.SavedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (c *cli) inspect(name string) error {
	ckpt, err := c.hub.Checkpoint(name)
	if err != nil {
		return err
	}
	return c.printCheckpoint(ckpt)
}

func (c *cli) inspectFile(path string) error {
	ckpt, err := ml.ReadCheckpoint(path)
	if err != nil {
		return err
	}
	return c.printCheckpoint(ckpt)
}

func (c *cli) printCheckpoint(ckpt *ml.Checkpoint) error {
	fmt.Fprintf(c.out, "model_name:  %s\n", ckpt.ModelName)
	fmt.Fprintf(c.out, "format:      %d\n", ckpt.FormatVersion)
	fmt.Fprintf(c.out, "saved_at:    %s\n", ckpt.SavedAt.Local().Format(time.DateTime))
	c.p.Fprintf(c.out, "parameters:  %d\n", ckpt.NumParameters())
	fmt.Fprintf(c.out, "optimizer:   %s\n", optimizerSummary(ckpt))

	fmt.Fprintln(c.out, "\nparams:")
	for _, key := range ckpt.Params.Keys() {
		fmt.Fprintf(c.out, "  %s: %v\n", key, ckpt.Params[key])
	}

	fmt.Fprintln(c.out, "\nnn_state_dict:")
	keys := make([]string, 0, len(ckpt.NNStateDict))
	for k := range ckpt.NNStateDict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		t := ckpt.NNStateDict[k]
		c.p.Fprintf(tw, "  %s\t%v\t%d\n", k, t.Shape, len(t.Data))
	}
	return tw.Flush()
}

func (c *cli) trainingLog(ctx context.Context, run string) error {
	records, err := c.catalog.TrainingLog(ctx, run)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no epochs logged for run %s", run)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tTRAIN_LOSS\tVAL_LOSS\tVAL_ACC\tLR")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Epoch, optFloat(r.TrainLoss), optFloat(r.ValLoss), optFloat(r.ValAccuracy), optFloat(r.LR))
	}
	return tw.Flush()
}

func optimizerSummary(ckpt *ml.Checkpoint) string {
	if ckpt.OptimizerState == nil {
		return "no state"
	}
	return fmt.Sprintf("%s, %d steps, lr %g", ckpt.OptimizerState.Type, ckpt.OptimizerState.Steps, ckpt.OptimizerState.LR)
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
