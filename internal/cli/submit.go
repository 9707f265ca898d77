package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphaelgruber/mediaflow/internal/models"
	"github.com/spf13/cobra"
)

var submitWatch bool

var submitCmd = &cobra.Command{
	Use:   "submit <path>...",
	Short: "Submit files as one media job",
	Long: `Submit files to mediaflowd as one job. Each file is routed to the
document, image, audio or video workers by its extension. Directories are
walked recursively; files with unknown extensions inside them are skipped,
while an unknown file named directly is an error.

Examples:
  mediaflow submit report.pdf photo.jpg
  mediaflow submit ./lecture --watch`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow job progress until it completes")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	files, err := collectFiles(args)
	if err != nil {
		return err
	}

	sub, err := apiClient.Submit(cmd.Context(), files)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Submitted job %s\n", sub.JobID)
	for _, c := range models.Categories {
		if n := sub.Counts[string(c)]; n > 0 {
			fmt.Fprintf(out, "  %-11s %d\n", c.Collection()+":", n)
		}
	}
	for _, it := range sub.Items {
		switch {
		case it.Error != "":
			fmt.Fprintf(out, "  ✗ %s: %s\n", it.FileName, it.Error)
		case verbose:
			fmt.Fprintf(out, "  %s -> %s (%s, %d chunks)\n", it.FileName, it.Category, shortID(it.ContentID), it.Chunks)
		}
	}

	if !submitWatch {
		fmt.Fprintf(out, "\nUse 'mediaflow watch %s' to follow progress.\n", sub.JobID)
		return nil
	}
	return followJob(cmd.Context(), out, sub.JobID)
}

// collectFiles groups paths by category. Directories are walked, skipping
// hidden entries and unknown extensions.
func collectFiles(paths []string) (map[models.Category][]string, error) {
	files := make(map[models.Category][]string)
	total := 0
	add := func(path string, c models.Category) {
		files[c] = append(files[c], path)
		total++
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		if !info.IsDir() {
			c, ok := models.CategoryForFile(path)
			if !ok {
				return nil, fmt.Errorf("unsupported file type: %s", path)
			}
			add(path, c)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p != path && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if c, ok := models.CategoryForFile(p); ok {
				add(p, c)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", path, err)
		}
	}

	if total == 0 {
		return nil, errors.New("no supported media files found")
	}
	return files, nil
}
