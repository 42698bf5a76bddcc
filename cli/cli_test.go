package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/cachespy/cli"
	"github.com/sarchlab/cachespy/config"
	"github.com/sarchlab/cachespy/report"
	"github.com/sarchlab/cachespy/store"
	"github.com/sarchlab/cachespy/trace"
)

// backend records what the commands send to it.
type backend struct {
	mu      sync.Mutex
	traces  []trace.Trace
	cleared int
}

func (b *backend) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/traces", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Trace trace.Trace `json:"trace"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.traces = append(b.traces, body.Trace)
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"status": "success", "file": "h.png", "samples": 1}`)
	}).Methods(http.MethodPost)
	r.HandleFunc("/predict", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"predicted_website": "example.org", "confidence": 0.75}`)
	}).Methods(http.MethodPost)
	r.HandleFunc("/api/get_results", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"traces": [[4, 0, 2]]}`)
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/clear_results", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		b.cleared++
		b.mu.Unlock()
		_, _ = io.WriteString(w, `{"status": "success"}`)
	}).Methods(http.MethodPost)
	return r
}

func (b *backend) ingested() []trace.Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]trace.Trace(nil), b.traces...)
}

var _ = Describe("cachespy", func() {
	var (
		dir       string
		envFile   string
		storePath string
		be        *backend
		srv       *httptest.Server
	)

	run := func(args ...string) (string, error) {
		root := cli.NewRootCmd()
		out := &bytes.Buffer{}
		root.SetOut(out)
		root.SetErr(io.Discard)
		root.SetArgs(append([]string{"--env-file", envFile}, args...))
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}

	quickSweep := []string{"--working-set", "1048576", "--total", "30ms", "--window", "10ms"}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		storePath = filepath.Join(dir, "results.sqlite3")

		be = &backend{}
		srv = httptest.NewServer(be.router())

		envFile = filepath.Join(dir, ".env")
		env := fmt.Sprintf("CACHESPY_STORE_PATH=%s\nCACHESPY_REMOTE_URL=%s\n", storePath, srv.URL)
		Expect(os.WriteFile(envFile, []byte(env), 0644)).To(Succeed())
	})

	AfterEach(func() {
		srv.Close()
	})

	storedCounts := func() (traces, curves int) {
		st, err := store.Open(storePath)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = st.Close() }()

		t, err := st.Traces()
		Expect(err).NotTo(HaveOccurred())
		c, err := st.Curves()
		Expect(err).NotTo(HaveOccurred())
		return len(t), len(c)
	}

	Context("config", func() {
		It("should print the layered configuration", func() {
			out, err := run("config")
			Expect(err).NotTo(HaveOccurred())

			var cfg config.Config
			Expect(json.Unmarshal([]byte(out), &cfg)).To(Succeed())
			Expect(cfg.Store.Path).To(Equal(storePath))
			Expect(cfg.Remote.URL).To(Equal(srv.URL))
			Expect(cfg.Cache.LineSize).To(Equal(64))
		})

		It("should write a file that loads back", func() {
			path := filepath.Join(dir, "cachespy.json")
			_, err := run("config", "-w", path)
			Expect(err).NotTo(HaveOccurred())

			loaded, err := config.LoadConfig(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Store.Path).To(Equal(storePath))

			out, err := run("--config", path, "config")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(storePath))
		})

		It("should write profiles of the run", func() {
			cpu := filepath.Join(dir, "cpu.pprof")
			heap := filepath.Join(dir, "heap.pprof")
			_, err := run("--cpuprofile", cpu, "--memprofile", heap, "config")
			Expect(err).NotTo(HaveOccurred())

			for _, path := range []string{cpu, heap} {
				info, err := os.Stat(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(info.Size()).To(BeNumerically(">", 0))
			}
		})
	})

	Context("calibrate", func() {
		It("should write a JSON curve and keep it", func() {
			path := filepath.Join(dir, "curve.json")
			_, err := run("calibrate", "--max-lines", "100", "--repeats", "3",
				"--format", "json", "-o", path, "--save", "-q")
			Expect(err).NotTo(HaveOccurred())

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())

			var rpt report.CurveReport
			Expect(json.Unmarshal(data, &rpt)).To(Succeed())
			Expect(rpt.Curve).To(HaveLen(3))
			Expect(rpt.Curve[2].N).To(Equal(100))
			Expect(rpt.Metadata.Repeats).To(Equal(3))

			_, curves := storedCounts()
			Expect(curves).To(Equal(1))
		})

		It("should print a table by default", func() {
			out, err := run("calibrate", "--max-lines", "10", "-q")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("Lines"))
			Expect(out).To(ContainSubstring("Sizes: 2, Failed: 0"))
		})

		It("should reject an unknown format", func() {
			_, err := run("calibrate", "--max-lines", "10", "--format", "yaml")
			Expect(err).To(MatchError(ContainSubstring("unknown output format")))
		})

		It("should reject an invalid override", func() {
			_, err := run("calibrate", "--line-size", "48")
			Expect(err).To(MatchError(ContainSubstring("power of two")))
		})
	})

	Context("sweep", func() {
		It("should record, keep and export traces", func() {
			args := append([]string{"sweep", "-n", "2", "--save", "--format", "json"}, quickSweep...)
			out, err := run(args...)
			Expect(err).NotTo(HaveOccurred())

			var rpt report.TracesReport
			Expect(json.Unmarshal([]byte(out), &rpt)).To(Succeed())
			Expect(rpt.Traces).To(HaveLen(2))
			for _, t := range rpt.Traces {
				Expect(t.Validate(3)).To(Succeed())
			}

			traces, _ := storedCounts()
			Expect(traces).To(Equal(2))

			path := filepath.Join(dir, "export.json")
			out, err = run("export", "-o", path)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("exported 2 traces"))

			f, err := os.Open(path)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = f.Close() }()

			exported, err := trace.Import(f)
			Expect(err).NotTo(HaveOccurred())
			Expect(exported).To(Equal(rpt.Traces))
		})

		It("should send every trace to the backend", func() {
			args := append([]string{"sweep", "-n", "2", "--ingest"}, quickSweep...)
			_, err := run(args...)
			Expect(err).NotTo(HaveOccurred())
			Expect(be.ingested()).To(HaveLen(2))
		})

		It("should fail when the backend is gone", func() {
			srv.Close()
			args := append([]string{"sweep", "--ingest"}, quickSweep...)
			_, err := run(args...)
			Expect(err).To(MatchError(ContainSubstring("not ingested")))
		})

		It("should reject a non-positive count", func() {
			_, err := run("sweep", "-n", "0")
			Expect(err).To(HaveOccurred())
		})
	})

	Context("predict", func() {
		It("should print the backend's label", func() {
			args := append([]string{"predict", "--save"}, quickSweep...)
			out, err := run(args...)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("example.org (confidence 75.0%, 3 windows)\n"))

			traces, _ := storedCounts()
			Expect(traces).To(Equal(1))
		})
	})

	Context("export and clear", func() {
		It("should export the backend's traces", func() {
			path := filepath.Join(dir, "remote.json")
			_, err := run("export", "--remote", "-o", path)
			Expect(err).NotTo(HaveOccurred())

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(`[[4, 0, 2]]`))
		})

		It("should export an empty store as an empty array", func() {
			path := filepath.Join(dir, "empty.json")
			_, err := run("export", "-o", path)
			Expect(err).NotTo(HaveOccurred())

			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(MatchJSON(`[]`))
		})

		It("should clear the store and the backend", func() {
			args := append([]string{"sweep", "--save"}, quickSweep...)
			_, err := run(args...)
			Expect(err).NotTo(HaveOccurred())

			_, err = run("clear", "--remote")
			Expect(err).NotTo(HaveOccurred())

			traces, _ := storedCounts()
			Expect(traces).To(BeZero())
			Expect(be.cleared).To(Equal(1))
		})
	})

	Context("host", func() {
		It("should report the host next to the configured geometry", func() {
			out, err := run("host", "--json")
			Expect(err).NotTo(HaveOccurred())

			var rsp struct {
				Cache struct {
					LineSize int `json:"line_size"`
				} `json:"cache"`
				Warnings []string `json:"warnings"`
			}
			Expect(json.Unmarshal([]byte(out), &rsp)).To(Succeed())
			Expect(rsp.Cache.LineSize).To(Equal(64))
			Expect(rsp.Warnings).NotTo(BeNil())
		})
	})

	Context("check", func() {
		It("should run the quick checks", func() {
			out, err := run("check", "--quick", "--format", "csv")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HavePrefix("name,passed,wall_time_ns\n"))
			Expect(out).To(ContainSubstring("elision,true"))
			Expect(out).To(ContainSubstring("window_count,true"))
		})
	})
})
