package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachespy/report"
	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/trace"
)

func ms(v float64) *float64 { return &v }

func str(v string) *string { return &v }

var _ = Describe("Writer", func() {
	var (
		buf   *bytes.Buffer
		curve latency.Curve
		meta  report.Metadata
	)

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		curve = latency.Curve{
			{N: 1, LatencyMs: ms(0.002)},
			{N: 10, LatencyMs: ms(0.015)},
			{N: 100, Error: str("allocation failed")},
		}
		meta = report.NewMetadata(64)
		meta.Repeats = 10
	})

	It("should parse known formats case-insensitively", func() {
		f, err := report.ParseFormat("CSV")
		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(Equal(report.CSV))

		_, err = report.ParseFormat("yaml")
		Expect(err).To(HaveOccurred())
	})

	It("should render a curve as text", func() {
		Expect(report.NewWriter(buf, report.Text).Curve(meta, curve)).To(Succeed())

		out := buf.String()
		Expect(out).To(ContainSubstring("line size 64 B, 10 repeats"))
		Expect(out).To(ContainSubstring("0.015000 ms"))
		Expect(out).To(ContainSubstring("error: allocation failed"))
		Expect(out).To(ContainSubstring("Sizes: 3, Failed: 1"))
	})

	It("should render a curve as CSV with empty cells for missing values", func() {
		Expect(report.NewWriter(buf, report.CSV).Curve(meta, curve)).To(Succeed())

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		Expect(lines).To(Equal([]string{
			"n,latency_ms,error",
			"1,0.002,",
			"10,0.015,",
			"100,,allocation failed",
		}))
	})

	It("should render a curve as JSON with nulls", func() {
		Expect(report.NewWriter(buf, report.JSON).Curve(meta, curve)).To(Succeed())

		var decoded struct {
			Metadata report.Metadata     `json:"metadata"`
			Curve    []map[string]any    `json:"curve"`
			Summary  report.CurveSummary `json:"summary"`
		}
		Expect(json.Unmarshal(buf.Bytes(), &decoded)).To(Succeed())

		Expect(decoded.Metadata.Version).To(Equal(report.Version))
		Expect(decoded.Curve[0]).To(HaveKeyWithValue("error", BeNil()))
		Expect(decoded.Curve[2]).To(HaveKeyWithValue("latencyMs", BeNil()))
		Expect(decoded.Summary).To(Equal(report.CurveSummary{
			Sizes: 3, Failed: 1, MinLatencyMs: 0.002, MaxLatencyMs: 0.015,
		}))
	})

	It("should print progress only for text output", func() {
		report.NewWriter(buf, report.JSON).Progress(curve[0])
		Expect(buf.Len()).To(BeZero())

		report.NewWriter(buf, report.Text).Progress(curve[2])
		Expect(buf.String()).To(ContainSubstring("100"))
		Expect(buf.String()).To(ContainSubstring("allocation failed"))
	})

	Context("traces", func() {
		var traces []trace.Trace

		BeforeEach(func() {
			traces = []trace.Trace{{4, 0, 8}, {}}
			meta.WindowDuration = 10 * time.Millisecond
			meta.WorkingSetSize = 1024
		})

		It("should summarize each trace", func() {
			s := report.SummarizeTrace(traces[0])
			Expect(s).To(Equal(report.TraceSummary{
				Windows: 3, Total: 12, Min: 0, Max: 8, Mean: 4,
			}))
			Expect(report.SummarizeTrace(traces[1])).To(Equal(report.TraceSummary{}))
		})

		It("should render traces as CSV rows per window", func() {
			Expect(report.NewWriter(buf, report.CSV).Traces(meta, traces)).To(Succeed())

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			Expect(lines).To(Equal([]string{
				"trace,window,count",
				"0,0,4",
				"0,1,0",
				"0,2,8",
			}))
		})

		It("should render traces as JSON", func() {
			Expect(report.NewWriter(buf, report.JSON).Traces(meta, traces)).To(Succeed())

			var decoded report.TracesReport
			Expect(json.Unmarshal(buf.Bytes(), &decoded)).To(Succeed())
			Expect(decoded.Traces).To(HaveLen(2))
			Expect(decoded.Summary[0].Max).To(Equal(uint64(8)))
			Expect(decoded.Metadata.WindowDuration).To(Equal(10 * time.Millisecond))
		})

		It("should render an empty set as an empty JSON array", func() {
			Expect(report.NewWriter(buf, report.JSON).Traces(meta, nil)).To(Succeed())
			Expect(buf.String()).To(ContainSubstring(`"traces": []`))
		})

		It("should render traces as text", func() {
			Expect(report.NewWriter(buf, report.Text).Traces(meta, traces)).To(Succeed())
			Expect(buf.String()).To(ContainSubstring("Traces: 2 (window 10ms"))
			Expect(buf.String()).To(ContainSubstring("total=12"))
		})
	})
})
