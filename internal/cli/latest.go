package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/isdelr/backupsync/internal/export"
	"github.com/spf13/cobra"
)

var (
	latestDownload string
	latestDecrypt  bool
)

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show or download the newest remote backup",
	RunE:  runLatest,
}

func init() {
	latestCmd.Flags().StringVar(&latestDownload, "download", "", "write the backup to this file")
	latestCmd.Flags().BoolVar(&latestDecrypt, "decrypt", false, "decrypt with the configured passphrase while downloading")
}

func runLatest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Backups.Latest(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\t%s\t%s (%s)\n", info.Name, humanize.Bytes(uint64(info.SizeBytes)),
		info.Timestamp.Format("2006-01-02 15:04:05"), humanize.Time(info.Timestamp))

	if latestDownload == "" {
		return nil
	}
	data, err := a.Backups.Download(ctx, info)
	if err != nil {
		return err
	}
	var src io.Reader = bytes.NewReader(data)
	if latestDecrypt {
		secret, err := loaded.BackupPassphrase()
		if err != nil {
			return err
		}
		if src, err = export.Decrypt(src, secret); err != nil {
			return fmt.Errorf("decrypt %s: %w", info.Name, err)
		}
	}

	f, err := os.OpenFile(latestDownload, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(latestDownload)
		if copyErr != nil {
			return fmt.Errorf("write %s: %w", latestDownload, copyErr)
		}
		return closeErr
	}
	fmt.Fprintf(out, "wrote %s to %s\n", humanize.Bytes(uint64(n)), latestDownload)
	return nil
}
