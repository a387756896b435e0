package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"

	"github.com/weisyn/syncnet/internal/app"
	"github.com/weisyn/syncnet/internal/core/syncnet/facade"
	"github.com/weisyn/syncnet/internal/core/syncnet/transport"
	"github.com/weisyn/syncnet/internal/core/syncnet/wire"
	"github.com/weisyn/syncnet/pkg/constants/protocols"
	"github.com/weisyn/syncnet/pkg/interfaces/syncnet"
	"github.com/weisyn/syncnet/pkg/types"
)

// benchChunkSize 压测时每个响应块的记录数上限
const benchChunkSize = 100

var benchFlags struct {
	listen             string
	dial               string
	inboundSessions    int
	connections        int
	queriesPerConn     int
	messagesPerSession uint64
	messageSize        int
	idleTimeout        time.Duration
}

// benchCmd 吞吐压测：对端以合成数据应答，本端统计每个查询的耗时与速率
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "测量两个节点之间的流式传输吞吐",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVarP(&benchFlags.listen, "listen", "l", "/ip4/0.0.0.0/tcp/0", "本节点监听地址")
	f.StringVarP(&benchFlags.dial, "dial", "d", "", "要拨号的节点 multiaddr（含 /p2p/<id>）")
	f.IntVarP(&benchFlags.inboundSessions, "inbound-sessions", "i", 0, "预期的入站会话数")
	f.IntVarP(&benchFlags.connections, "connections", "c", 1, "预期连接的节点数（拨出或拨入）")
	f.IntVarP(&benchFlags.queriesPerConn, "queries-per-connection", "q", 0, "对每个连接节点发起的查询数")
	f.Uint64VarP(&benchFlags.messagesPerSession, "messages-per-session", "m", 0, "每个入站会话发送的消息数")
	f.IntVarP(&benchFlags.messageSize, "message-size", "s", 0, "每条消息的字节数")
	f.DurationVarP(&benchFlags.idleTimeout, "idle-timeout", "t", 10*time.Second, "无活动连接的关闭时间")
}

func runBench(ctx context.Context, out io.Writer) error {
	source := newBenchSource(benchFlags.messagesPerSession, benchFlags.messageSize)
	chunk := benchChunk(benchFlags.messageSize, wire.DefaultMaxFrameSize)

	register := fx.Invoke(func(engine *facade.Engine) error {
		return engine.RegisterProtocolHandler(protocols.ProtocolBench, source,
			syncnet.WithChunkSize(chunk),
			syncnet.WithMaxLimit(max(benchFlags.messagesPerSession, 1)))
	})
	a, err := app.Start(app.WithAppConfig(benchConfig()), app.WithoutRecordProtocols(), app.WithModules(register))
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop() }()
	engine := a.Engine()
	fmt.Fprintf(out, "bench 节点已启动 peer=%s\n", engine.LocalPeer())

	if benchFlags.dial != "" {
		info, err := transport.ParseAddrInfo(benchFlags.dial)
		if err != nil {
			return errors.Wrap(err, "--dial")
		}
		if err := dialUntilConnected(ctx, engine, *info); err != nil {
			return err
		}
	}

	peers, err := waitForPeers(ctx, engine, benchFlags.connections)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "已连接 %d 个节点\n", len(peers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		for i := 0; i < benchFlags.queriesPerConn; i++ {
			g.Go(func() error {
				m, err := runBenchQuery(gctx, engine, p)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					fmt.Fprintf(out, "查询失败 peer=%s err=%v\n", p, err)
					return nil
				}
				m.print(out)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return source.waitSessions(ctx, benchFlags.inboundSessions)
}

// benchConfig 压测节点配置：指定监听地址、内存存储、临时身份
func benchConfig() *types.AppConfig {
	inMemory := true
	idle := benchFlags.idleTimeout.String()
	level := "warn"
	return &types.AppConfig{
		Node:    &types.UserNodeConfig{ListenAddresses: []string{benchFlags.listen}},
		Sync:    &types.UserSyncConfig{IdleKeepalive: &idle},
		Storage: &types.UserStorageConfig{InMemory: &inMemory},
		Log:     &types.UserLogConfig{Level: &level},
	}
}

// benchChunk 让单个响应块不超过帧上限
func benchChunk(messageSize, maxFrame int) int {
	// 每条记录额外的 tag + 长度前缀
	perItem := messageSize + 16
	return max(min(benchChunkSize, maxFrame/perItem), 1)
}

// dialUntilConnected 对端可能晚于本端启动，失败后每秒重试
func dialUntilConnected(ctx context.Context, engine *facade.Engine, info peer.AddrInfo) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		err := engine.Connect(ctx, info)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "dial %s", info.ID)
		case <-ticker.C:
		}
	}
}

// waitForPeers 等待连接数达到 n
func waitForPeers(ctx context.Context, engine *facade.Engine, n int) ([]peer.ID, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		peers, err := engine.Peers(ctx)
		if err != nil {
			return nil, err
		}
		if len(peers) >= n {
			return peers, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// queryMeasurement 单个查询的计时
type queryMeasurement struct {
	start      time.Time
	firstItem  time.Time
	end        time.Time
	messages   uint64
	totalBytes uint64
}

func runBenchQuery(ctx context.Context, engine *facade.Engine, p peer.ID) (*queryMeasurement, error) {
	m := &queryMeasurement{start: time.Now()}
	results, err := engine.Issue(ctx, types.Query{
		Protocol: protocols.ProtocolBench,
		Range:    types.RangeFilter{Limit: benchFlags.messagesPerSession, Step: 1},
		Peers:    []peer.ID{p},
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = results.Close() }()

	for item, err := range results.All(ctx) {
		if err != nil {
			return nil, err
		}
		if m.messages == 0 {
			m.firstItem = time.Now()
		}
		m.messages++
		m.totalBytes += uint64(len(item.Data))
	}
	m.end = time.Now()
	return m, nil
}

func (m *queryMeasurement) print(out io.Writer) {
	if m.messages == 0 {
		fmt.Fprintln(out, "查询结束但没有收到消息，跳过统计")
		return
	}
	elapsed := m.end.Sub(m.start).Seconds()
	sending := m.end.Sub(m.firstItem).Seconds()
	size := float64(m.totalBytes) / float64(m.messages)

	fmt.Fprintln(out, "########## 查询完成 ##########")
	fmt.Fprintf(out, "共 %d 条消息，每条 %s，合计 %s\n", m.messages, prettySize(size), prettySize(float64(m.totalBytes)))
	fmt.Fprintf(out, "查询耗时 %.3f 秒\n", elapsed)
	fmt.Fprintf(out, "消息传输耗时 %.3f 秒\n", sending)
	fmt.Fprintln(out, "---- 整体统计 ----")
	fmt.Fprintf(out, "%.2f messages/second\n", float64(m.messages)/elapsed)
	fmt.Fprintf(out, "%s/second\n", prettySize(float64(m.totalBytes)/elapsed))
	if sending > 0 {
		fmt.Fprintln(out, "---- 传输阶段统计 ----")
		fmt.Fprintf(out, "%.2f messages/second\n", float64(m.messages)/sending)
		fmt.Fprintf(out, "%s/second\n", prettySize(float64(m.totalBytes)/sending))
	}
}

// prettySize 以 1024 为进制格式化字节数
func prettySize(size float64) string {
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.2f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.2f TB", size)
}

// benchSource 合成记录来源，每条记录是 size 个 0x01
type benchSource struct {
	record []byte
	limit  uint64

	finished atomic.Int64
	notify   chan struct{}
}

func newBenchSource(limit uint64, size int) *benchSource {
	return &benchSource{
		record: bytes.Repeat([]byte{1}, size),
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// QueryRange 实现 syncnet.RecordSource
func (s *benchSource) QueryRange(ctx context.Context, filter types.RangeFilter) (syncnet.RecordIterator, error) {
	return &benchIterator{source: s, remaining: min(filter.Limit, s.limit)}, nil
}

// waitSessions 等待 n 个入站会话结束
func (s *benchSource) waitSessions(ctx context.Context, n int) error {
	for s.finished.Load() < int64(n) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
	return nil
}

type benchIterator struct {
	source    *benchSource
	remaining uint64
	closed    bool
}

// Next 实现 syncnet.RecordIterator
func (it *benchIterator) Next(ctx context.Context) ([]byte, error) {
	if it.remaining == 0 {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it.remaining--
	return it.source.record, nil
}

// Close 实现 syncnet.RecordIterator
func (it *benchIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.source.finished.Add(1)
	select {
	case it.source.notify <- struct{}{}:
	default:
	}
	return nil
}
