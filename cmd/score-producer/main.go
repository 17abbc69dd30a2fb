package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/rhythm-ranking/internal/domain"
)

var nicknamePrefixes = []string{
	"Beat", "Combo", "Tempo", "Groove", "Rhythm", "Pulse", "Echo", "Sync", "Drum", "Bass",
	"Vivid", "Neon", "Nova", "Flick", "Tap", "Slide", "Hold", "Chord", "Synth", "Lyric",
	"리듬", "박자", "노트", "콤보",
}

var userAgents = []string{
	"rhythm-client/2.4.1 (Android 14)",
	"rhythm-client/2.4.1 (iOS 18.1)",
	"rhythm-client/2.3.9 (Windows 11)",
}

func nickname(idx int) string {
	prefix := nicknamePrefixes[idx%len(nicknamePrefixes)]
	return fmt.Sprintf("%s%d", prefix, idx/len(nicknamePrefixes)+1)
}

// skill maps a player to a stable base score so the top of each chart moves
// gradually instead of at random
func skill(idx int) int {
	return 950_000 - (idx%200)*3_000
}

func submission(idx int, chartID string) domain.IngestMessage {
	score := min(skill(idx)+rand.IntN(60_000)-30_000, 1_000_000)
	accuracy := 70 + float64(score)/1_000_000*30 - rand.Float64()*2
	return domain.IngestMessage{
		RawSubmission: domain.RawSubmission{
			Nickname: nickname(idx),
			ChartID:  chartID,
			Score:    max(score, 0),
			Accuracy: min(max(accuracy, 0), 100),
			MaxCombo: rand.IntN(1500),
			ClientAt: time.Now().UnixMilli(),
		},
		IP:        fmt.Sprintf("10.%d.%d.%d", idx/65536%256, idx/256%256, idx%256),
		UserAgent: userAgents[idx%len(userAgents)],
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "rhythm-scores", "Kafka topic")
	charts := flag.String("charts", "song-001,song-002,song-003", "Chart IDs (comma-separated)")
	totalPlayers := flag.Int("players", 500, "Number of distinct players")
	rate := flag.Int("rate", 50, "Submissions per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *rate <= 0 || *totalPlayers <= 0 {
		log.Fatal("players and rate must be positive")
	}
	brokerList := strings.Split(*brokers, ",")
	chartList := strings.Split(*charts, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Rhythm Score Producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Charts:       %s\n", *charts)
	fmt.Printf("  Players:      %d\n", *totalPlayers)
	fmt.Printf("  Rate:         %d/s\n", *rate)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, sentCount atomic.Int64
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			successCount.Add(1)
		}
	}()
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			errorCount.Add(1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Acked: %d, Errors: %d\n", sentCount.Load(), successCount.Load(), errorCount.Load())
	}

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-deadline:
			shutdown("Duration reached")
			return

		case <-ticker.C:
			// Favour a small group of regulars so chart tops change hands
			idx := rand.IntN(*totalPlayers)
			if rand.IntN(100) < 60 {
				idx = rand.IntN(min(20, *totalPlayers))
			}
			sub := submission(idx, chartList[rand.IntN(len(chartList))])

			data, err := json.Marshal(sub)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(sub.ChartID.(string)),
				Value: sarama.ByteEncoder(data),
			}
			sentCount.Add(1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Sent: %d | Acked: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				sentCount.Load(),
				successCount.Load(),
				errorCount.Load(),
			)
		}
	}
}
