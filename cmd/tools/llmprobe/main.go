// Command llmprobe checks the configured Ollama service by hand: it tests the
// connection, lists models, or sends a single prompt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/config"
	"github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/internal/service/ai"
	"github.com/visionagent/backend/pkg/logger"
)

func main() {
	mode := flag.String("mode", "ping", "测试模式: ping, models, ask 或 stream")
	text := flag.String("text", "Hola", "ask/stream 模式的用户消息")
	user := flag.String("user", "", "身份 key，留空使用通用提示词")
	emo := flag.String("emotion", "", "情绪标签")
	model := flag.String("model", "", "覆盖 OLLAMA_MODEL")
	showPrompt := flag.Bool("prompt", false, "打印发送给模型的完整提示词")
	timeout := flag.Duration("timeout", 60*time.Second, "请求超时时间")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Output: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.LogError(err, "配置加载失败")
		os.Exit(1)
	}
	if *model != "" {
		cfg.LLM.Model = *model
	}

	ids, err := config.LoadIdentities(cfg.Conversation.IdentitiesFile)
	if err != nil {
		log.LogError(err, "身份配置加载失败")
		os.Exit(1)
	}
	identities := persona.NewMemoryStore(ids.Users)
	builder := ai.NewBuilder(identities, emotion.NewTable(ids.Emotions), ai.WithHistoryWindow(cfg.Conversation.HistoryWindow))
	client := ai.NewClient(cfg.LLM, builder, ai.WithLogger(log))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *showPrompt {
		fmt.Fprintln(os.Stderr, builder.Build(*user, *emo, *text, nil))
		fmt.Fprintln(os.Stderr, "---")
	}

	switch *mode {
	case "ping":
		err = runPing(ctx, client, cfg.LLM.BaseURL)
	case "models":
		err = runModels(ctx, client)
	case "ask":
		err = runAsk(ctx, client, *user, *emo, *text)
	case "stream":
		err = runStream(ctx, client, *user, *emo, *text)
	default:
		flag.Usage()
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.LogError(err, "probe failed", "mode", *mode)
		os.Exit(1)
	}
}

func runPing(ctx context.Context, client *ai.Client, baseURL string) error {
	if !client.TestConnection(ctx) {
		return fmt.Errorf("%s is not reachable", baseURL)
	}
	fmt.Printf("ok: %s (model %s)\n", baseURL, client.Model())
	return nil
}

func runModels(ctx context.Context, client *ai.Client) error {
	models := client.ListModels(ctx)
	if len(models) == 0 {
		return errors.New("no models listed")
	}
	for _, name := range models {
		marker := " "
		if name == client.Model() {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, name)
	}
	return nil
}

func runAsk(ctx context.Context, client *ai.Client, user, emo, text string) error {
	start := time.Now()
	reply, err := client.Generate(ctx, user, emo, text, nil)
	if err != nil {
		return fmt.Errorf("generate (%s): %w", ai.Outcome(err), err)
	}
	fmt.Println(reply.Text)
	fmt.Fprintf(os.Stderr, "model=%s elapsed=%s\n", reply.Model, time.Since(start).Round(time.Millisecond))
	return nil
}

func runStream(ctx context.Context, client *ai.Client, user, emo, text string) error {
	sr, err := client.GenerateStream(ctx, user, emo, text, nil)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer sr.Close()

	var decodeErrors int
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		var decodeErr *ai.DecodeError
		if errors.As(err, &decodeErr) {
			decodeErrors++
			continue
		}
		if err != nil {
			return err
		}
		fmt.Print(chunk.Text)
	}
	fmt.Println()
	if decodeErrors > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d undecodable lines\n", decodeErrors)
	}
	return nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -mode=ping|models|ask|stream [flags]\n", strings.TrimSuffix(os.Args[0], ".exe"))
		flag.PrintDefaults()
	}
}
