package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"poseoverlay/internal/annotate"
	"poseoverlay/internal/keypoint"
	"poseoverlay/internal/pipeline"
)

// processFlags are the user choices of the process command.
type processFlags struct {
	configPath string
	keypoints  string
	style      annotate.StyleInput
	// keypointsSet distinguishes an explicit empty list from the default.
	keypointsSet bool
}

func parseProcessFlags(args []string) (processFlags, []string, error) {
	var f processFlags

	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.keypoints, "keypoints", "", "Comma separated keypoint names (default: all)")
	fs.StringVar(&f.style.LineColor, "line-color", "", "Connection color as #RRGGBB")
	fs.StringVar(&f.style.LineThickness, "line-thickness", "", "Connection thickness")
	fs.StringVar(&f.style.PointColor, "keypoint-color", "", "Marker color as #RRGGBB")
	fs.StringVar(&f.style.PointSize, "keypoint-size", "", "Marker radius")

	if err := fs.Parse(args); nil != err {
		return f, nil, err
	}

	fs.Visit(func(fl *flag.Flag) {
		if "keypoints" == fl.Name {
			f.keypointsSet = true
		}
	})

	return f, fs.Args(), nil
}

func (f processFlags) options() (pipeline.Options, error) {
	selection := keypoint.All()
	if f.keypointsSet {
		var err error
		if selection, err = keypoint.ParseList(f.keypoints); nil != err {
			return pipeline.Options{}, err
		}
	}

	style, err := annotate.ParseStyle(f.style)
	if nil != err {
		return pipeline.Options{}, err
	}

	return pipeline.Options{Selection: selection, Style: style}, nil
}

// outputPath names the annotated copy of input next to it.
func outputPath(input string) string {
	ext := filepath.Ext(input)
	base := filepath.Base(input)

	return filepath.Join(filepath.Dir(input), strings.TrimSuffix(base, ext)+"_keypoints.mp4")
}

// plan pairs every input with its output. Two arguments whose second is not
// an existing file are read as input and output.
func plan(args []string) ([][2]string, error) {
	if 0 == len(args) {
		return nil, errors.New("no input provided, drop a video file onto this executable")
	}

	if 2 == len(args) && !isFile(args[1]) {
		input, err := filepath.Abs(args[0])
		if nil != err {
			return nil, err
		}
		return [][2]string{{input, args[1]}}, nil
	}

	out := make([][2]string, 0, len(args))
	for _, arg := range args {
		input, err := filepath.Abs(arg)
		if nil != err {
			return nil, err
		}
		out = append(out, [2]string{input, outputPath(input)})
	}

	return out, nil
}

func runProcess(args []string) int {
	f, rest, err := parseProcessFlags(args)
	if nil != err {
		return 2
	}

	files, err := plan(rest)
	if nil != err {
		fmt.Fprintln(os.Stderr, err)
		time.Sleep(2 * time.Second)
		return 1
	}

	opts, err := f.options()
	if nil != err {
		fmt.Fprintf(os.Stderr, "Invalid options: %v\n", err)
		return 1
	}

	cfg := loadConfig(f.configPath)
	cfg.Log.Format = "console"

	logger, err := initLogger(cfg.Log)
	if nil != err {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	opener, err := newOpener(cfg.Pose, logger)
	if nil != err {
		logger.Error("pose backend unavailable", zap.Error(err))
		return 1
	}

	processor := newProcessor(cfg.Video, opener, logger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, file := range files {
		if _, err := processor.ProcessFile(ctx, file[0], file[1], opts); nil != err {
			logger.Error("processing failed", zap.String("input", file[0]), zap.Error(err))
			failed++
			if nil != ctx.Err() {
				break
			}
			continue
		}

		logger.Info("written", zap.String("output", file[1]))
	}

	if 0 < failed {
		return 1
	}

	return 0
}
