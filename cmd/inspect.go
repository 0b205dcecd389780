package cmd

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/spf13/cobra"

	"github.com/jmorganca/txl/dataset"
	"github.com/jmorganca/txl/envconfig"
)

func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect SPLIT",
		Short: "Show slot usage and truncation of a split's records",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}

	addSplitFlags(cmd)
	return cmd
}

// bucketUsage summarizes how the targets of one tail bucket were routed.
type bucketUsage struct {
	Bucket  int `json:"bucket"`
	BinSize int `json:"bin_size"`
	Routed  int `json:"routed"`
	Dropped int `json:"dropped"`

	// Histogram maps the number of routed targets in a record to the number
	// of records with that count.
	Histogram map[int]int `json:"histogram"`
}

type inspectReport struct {
	Manifest dataset.Manifest `json:"manifest"`
	Records  int              `json:"records"`
	Static   bool             `json:"static"`
	Buckets  []bucketUsage    `json:"buckets,omitempty"`
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	out, err := newOutput(cmd)
	if err != nil {
		return err
	}

	n, err := naming(cmd, args[0])
	if err != nil {
		return err
	}

	_, cutoffs, err := corpusInfo()
	if err != nil {
		return err
	}

	r, err := dataset.Open(envconfig.RecordDir, n)
	if err != nil {
		return err
	}

	report := inspectReport{Manifest: *r.Manifest, Static: n.Static}
	histograms := make([]*treemap.Map, len(r.Manifest.BinSizes))
	for b, bin := range r.Manifest.BinSizes {
		histograms[b] = treemap.NewWithIntComparator()
		report.Buckets = append(report.Buckets, bucketUsage{Bucket: b + 1, BinSize: bin})
	}

	for _, file := range r.Manifest.Filenames {
		for rec, err := range r.Records(cmd.Context(), file) {
			if err != nil {
				return err
			}
			report.Records++

			if !n.Static {
				continue
			}

			for b, perm := range rec.TargetPerms {
				cluster := int32(cutoffs.ClusterID(b))
				var tail int
				for _, l := range rec.HeadLabels {
					if l == cluster {
						tail++
					}
				}

				routed := 0
				for _, v := range perm.RawMatrix().Data {
					routed += int(v)
				}

				u := &report.Buckets[b]
				u.Routed += routed
				u.Dropped += tail - routed

				count, _ := histograms[b].Get(routed)
				c, _ := count.(int)
				histograms[b].Put(routed, c+1)
			}
		}
	}

	for b, h := range histograms {
		report.Buckets[b].Histogram = make(map[int]int, h.Size())
		it := h.Iterator()
		for it.Next() {
			report.Buckets[b].Histogram[it.Key().(int)] = it.Value().(int)
		}
	}

	if out.json {
		return out.encode(report)
	}

	out.table([]string{"FILES", "RECORDS", "BATCHES", "STATIC", "BIN SIZES"}, [][]string{{
		fmt.Sprint(len(report.Manifest.Filenames)),
		fmt.Sprint(report.Records),
		fmt.Sprint(report.Manifest.NumBatch),
		fmt.Sprint(report.Static),
		formatInts(report.Manifest.BinSizes),
	}})

	if !n.Static {
		return nil
	}

	fmt.Fprintln(out.w)

	var rows [][]string
	for b, u := range report.Buckets {
		dropped := 0.0
		if total := u.Routed + u.Dropped; total > 0 {
			dropped = 100 * float64(u.Dropped) / float64(total)
		}

		// most frequent routed count per record
		var mode, most int
		it := histograms[b].Iterator()
		for it.Next() {
			if v := it.Value().(int); v > most {
				mode, most = it.Key().(int), v
			}
		}

		rows = append(rows, []string{
			fmt.Sprint(u.Bucket),
			fmt.Sprint(u.BinSize),
			fmt.Sprint(u.Routed),
			fmt.Sprint(u.Dropped),
			fmt.Sprintf("%.2f%%", dropped),
			fmt.Sprint(mode),
		})
	}
	out.table([]string{"BUCKET", "BIN SIZE", "ROUTED", "DROPPED", "DROPPED %", "TYPICAL"}, rows)
	return nil
}
