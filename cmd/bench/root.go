package bench

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/crdt"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark a dSync server",
		Long:    "Benchmark a running dSync server by attaching concurrent writer sessions to one document and measuring submit and sync latencies.",
		PreRunE: processBenchConfig,
		RunE:    run,
	}

	benchClients int
	benchOps     int
	benchRunes   int
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)

	// connection flags shared with other client commands
	util.SetupSessionClientFlags(BenchCmd)

	// add flags
	key := "clients"
	BenchCmd.PersistentFlags().Int(key, 4, util.WrapString("Number of concurrent writer sessions"))
	key = "ops"
	BenchCmd.PersistentFlags().Int(key, 1000, util.WrapString("Number of updates each writer submits"))
	key = "runes"
	BenchCmd.PersistentFlags().Int(key, 16, util.WrapString("Number of characters per update (a typing burst)"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchClients = viper.GetInt("clients")
	benchOps = viper.GetInt("ops")
	benchRunes = viper.GetInt("runes")

	if viper.GetString("doc") == "" {
		return fmt.Errorf("doc is required")
	}
	if benchClients < 1 || benchOps < 1 || benchRunes < 1 {
		return fmt.Errorf("clients, ops and runes must be positive")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Benchmark tool for dSync servers")

	conf := util.GetClientConfig()
	ser, err := util.GetSerializer()
	if err != nil {
		return err
	}

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Endpoint: %s\n", conf.Endpoint)
	fmt.Printf("  Document: %s\n", conf.DocID)
	fmt.Printf("  Clients:  %d\n", benchClients)
	fmt.Printf("  Ops:      %d x %d chars\n", benchOps, benchRunes)
	fmt.Println()

	submitTimer := metrics.NewTimer()
	syncTimer := metrics.NewTimer()
	errCount := metrics.NewCounter()

	fmt.Println("starting benchmark...")
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < benchClients; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := runWriter(idx, *conf, ser, submitTimer, syncTimer); err != nil {
				errCount.Inc(1)
				fmt.Printf("writer %d: %v\n", idx, err)
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)

	// Print results
	fmt.Println()
	printTimer("submit", submitTimer)
	printTimer("sync", syncTimer)
	fmt.Println()
	fmt.Printf("%-20s%s\n", "total time", elapsed.Round(time.Millisecond))
	fmt.Printf("%-20s%d\n", "failed writers", errCount.Count())

	if errCount.Count() > 0 {
		return fmt.Errorf("%d writers failed", errCount.Count())
	}
	return nil
}

// runWriter attaches one session and submits its share of updates, each a
// contiguous insert run anchored to the writer's previous character.
func runWriter(
	idx int,
	conf common.ClientConfig,
	ser serializer.ISessionSerializer,
	submitTimer, syncTimer metrics.Timer,
) error {
	conf.ClientID = fmt.Sprintf("%s-bench-%d", conf.ClientID, idx)
	conf.Name = fmt.Sprintf("bench-%d", idx)

	sess, err := client.NewSessionClient(conf, ser)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	// drain pushed diffs so the connection never backs up
	go func() {
		for range sess.Diffs() {
		}
	}()

	// each writer is its own origin; seq numbers must be gapless
	src := rand.Uint64() | 1
	seq := uint64(1)
	ref := crdt.RootID

	for op := 0; op < benchOps; op++ {
		ops := make([]crdt.Op, 0, benchRunes)
		firstSeq := seq
		for r := 0; r < benchRunes; r++ {
			id := crdt.ID{Src: src, Seq: seq}
			ops = append(ops, crdt.InsertOp(id, ref, 'a'+rune(op%26)))
			ref = id
			seq++
		}
		update := crdt.EncodeUpdate(src, firstSeq, ops)

		t := time.Now()
		err := sess.Submit(update)
		submitTimer.UpdateSince(t)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
	}

	// a full catch-up from nothing measures worst-case sync cost
	t := time.Now()
	_, _, err = sess.Sync(nil)
	syncTimer.UpdateSince(t)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

// printTimer prints the stats of one timer in a formatted way
func printTimer(name string, t metrics.Timer) {
	if t.Count() == 0 {
		fmt.Printf("%-20sskipped\n", name)
		return
	}

	ps := t.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-20s%d ops\t%.0f ops/sec\n", name, t.Count(), t.RateMean())
	fmt.Printf("%-20smean=%s p50=%s p95=%s p99=%s max=%s\n",
		"",
		time.Duration(int64(t.Mean())),
		time.Duration(int64(ps[0])),
		time.Duration(int64(ps[1])),
		time.Duration(int64(ps[2])),
		time.Duration(t.Max()),
	)
}
