package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/frobware/go-ufp"
	"github.com/frobware/go-ufp/counter"
	"github.com/frobware/go-ufp/manager"
	"github.com/frobware/go-ufp/snapshot"
	"github.com/frobware/go-ufp/template"
)

// OutputFormat represents the output format type.
type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
)

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output OutputFormat `short:"o" help:"Output format: table or json." enum:"table,json" default:"table"`
}

// Format returns the selected format.
func (f *OutputFlags) Format() OutputFormat {
	if f.Output == OutputFormatJSON {
		return OutputFormatJSON
	}
	return OutputFormatTable
}

func writeJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(output))
	return err
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func writeStats(w io.Writer, fid ufp.FlowID, st counter.Stats) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "FLOW\tPACKETS\tBYTES\tLAST USED")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", fid, st.Packets, st.Bytes, formatTime(st.LastUsed))
	return tw.Flush()
}

func writeUsage(w io.Writer, u manager.Usage) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "FLOWS\t%d/%d\n", u.Flows, u.FlowCapacity)
	for _, t := range []ufp.FlowType{
		ufp.FlowTypeRegular, ufp.FlowTypeDefault, ufp.FlowTypeParent, ufp.FlowTypeChild, ufp.FlowTypeRID,
	} {
		fmt.Fprintf(tw, "  %s\t%d\n", t, u.FlowsByType[t])
	}
	fmt.Fprintf(tw, "MARKS\tlfid=%d gfid=%d\n", u.LFIDMarks, u.GFIDMarks)
	fmt.Fprintf(tw, "COUNTERS\tpackets=%d bytes=%d polls=%d\n", u.Counters.Packets, u.Counters.Bytes, u.CounterPolls)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "RESOURCE\tRECORDS")
	funcs := make([]ufp.ResourceFunc, 0, len(u.Resources))
	for fn := range u.Resources {
		funcs = append(funcs, fn)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i] < funcs[j] })
	for _, fn := range funcs {
		fmt.Fprintf(tw, "%s\t%d\n", fn, u.Resources[fn])
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "DIR\tTABLE\tIN USE\tCAPACITY")
	for _, t := range u.Tables {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", t.Direction, t.Table, t.InUse, t.Capacity)
	}
	return tw.Flush()
}

func resourceSummary(rs []ufp.Resource) string {
	counts := map[ufp.ResourceFunc]int{}
	for _, r := range rs {
		counts[r.Func]++
	}
	funcs := make([]ufp.ResourceFunc, 0, len(counts))
	for fn := range counts {
		funcs = append(funcs, fn)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i] < funcs[j] })
	parts := make([]string, 0, len(funcs))
	for _, fn := range funcs {
		parts = append(parts, fmt.Sprintf("%s=%d", fn, counts[fn]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func writeState(w io.Writer, st manager.State) error {
	fmt.Fprintf(w, "device %s session %s taken %s\n", st.Device, st.Session, formatTime(st.TakenAt))
	fmt.Fprintf(w, "driver %s %s firmware %s features %s\n\n",
		st.Info.Version.Driver, st.Info.Version.DriverVersion, st.Info.Version.Firmware, st.Info.Features)

	tw := newTable(w)
	fmt.Fprintln(tw, "PORT\tTYPE\tSVIF\tPARIF\tVNIC\tFUNC\tNAME")
	for _, p := range st.Ports {
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%d\t%#x\t%d\t%s\n", p.LogicalID, p.Type, p.SVIF, p.Parif, p.VNIC, p.FunctionID, p.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = newTable(w)
	fmt.Fprintln(tw, "FLOW\tTYPE\tDIR\tFUNC\tPARENT\tCHILDREN\tRESOURCES")
	for _, f := range st.Flows {
		parent := "-"
		if f.Parent != 0 {
			parent = fmt.Sprint(f.Parent)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%s\n",
			f.ID, f.Type, f.Direction, f.FunctionID, parent, f.Children, resourceSummary(f.Resources))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(st.Tables) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w)
		fmt.Fprintln(tw, "DIR\tTABLE\tSLOT\tREFS\tOWNER\tRID\tKEY")
		for _, e := range st.Tables {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%x\n",
				e.Direction, e.Table, e.Slot, e.RefCount, e.Owner, e.RID, e.Key)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(st.Marks) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w)
		fmt.Fprintln(tw, "MARK TABLE\tINDEX\tMARK\tVFR")
		for _, m := range st.Marks {
			table := "lfid"
			if m.Global {
				table = "gfid"
			}
			fmt.Fprintf(tw, "%s\t%d\t%#x\t%t\n", table, m.Index, m.Mark, m.IsVFR)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func writeSnapshots(w io.Writer, list []snapshot.Summary) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tDEVICE\tSESSION\tTAKEN\tFLOWS")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", s.ID, s.Device, s.Session, formatTime(s.TakenAt), s.Flows)
	}
	return tw.Flush()
}

func writeTemplates(w io.Writer, set *template.Set) error {
	fmt.Fprintf(w, "template set %s: %d rows, %d global resources\n\n", set.Name, len(set.Tables), len(set.Global))
	tw := newTable(w)
	fmt.Fprintln(tw, "KIND\tTID\tNAME\tSTART\tTABLES")
	for tid, t := range set.Class {
		if t.Name == "" {
			continue
		}
		fmt.Fprintf(tw, "class\t%d\t%s\t%d\t%d\n", tid, t.Name, t.StartTbl, t.NumTbls)
	}
	for tid, t := range set.Act {
		if t.Name == "" {
			continue
		}
		fmt.Fprintf(tw, "action\t%d\t%s\t%d\t%d\n", tid, t.Name, t.StartTbl, t.NumTbls)
	}
	return tw.Flush()
}
