// Command vbin-upload publishes build output to the repository under a
// version, where vbin and vbin-web pick it up.
//
//	vbin-upload -v 4 --sourcePath ./bin
//	vbin-upload -v 4 --site shop --sourcePath ./wwwroot -r --fileSpec '\.(html|css|js|png)$'
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/printer"
	"github.com/seantiz/vbin/internal/repository"
	"github.com/seantiz/vbin/internal/upload"
)

var errUsage = errors.New("usage")

type flags struct {
	version    int64
	fileSpec   string
	sourcePath string
	site       string
	recursive  bool
	md5        bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "vbin-upload -v <version> [flags]",
		Short: "Upload build output to the repository under a version",
		Long: `vbin-upload copies every file in the source directory whose name matches the
file spec to <version>/<file> in the repository, or to
aspnet/<site>/<version>/<file> with --site. Existing objects are replaced.

The repository connection comes from the VBIN_* environment, as for vbin.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.version <= 0 || f.sourcePath == "" {
				cmd.Usage()
				return errUsage
			}
			return run(cmd.Context(), cmd, f)
		},
	}
	cmd.Flags().Int64VarP(&f.version, "version", "v", -1, "version to upload to (required, > 0)")
	cmd.Flags().StringVar(&f.fileSpec, "fileSpec", upload.DefaultFileSpec, "regex matched against file names")
	cmd.Flags().StringVar(&f.sourcePath, "sourcePath", ".", "directory holding the files to upload")
	cmd.Flags().StringVar(&f.site, "site", "", "upload web assets for this site instead of modules")
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "descend into subdirectories")
	cmd.Flags().BoolVarP(&f.md5, "md5", "m", false, "skip files whose stored MD5 matches")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)

	repo, err := repository.New(cfg)
	if err != nil {
		return err
	}
	spec, err := upload.CompileFileSpec(f.fileSpec)
	if err != nil {
		return err
	}

	opts := upload.Options{
		Version:    model.Version(f.version),
		Site:       f.site,
		FileSpec:   spec,
		SourcePath: f.sourcePath,
		Recursive:  f.recursive,
		CheckMD5:   f.md5,
		Out:        cmd.OutOrStdout(),
		Logger:     logger,
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uploading to %s\n", opts.Destination(""))
	fmt.Fprintf(out, "   FileSpec %s\n\n", f.fileSpec)

	res, err := upload.Run(ctx, repo, opts)
	if err != nil {
		return err
	}
	printer.Success(out, "%d uploaded, %d up to date", len(res.Uploaded), len(res.Skipped))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			printer.Error(os.Stderr, "vbin-upload", err)
		}
		os.Exit(1)
	}
}
