package processor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/flowbits"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/haolipeng/filter_engine/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tcpFrame struct {
	src, dst         string
	srcPort, dstPort uint16
	fin              bool
	payload          string
}

// buildTCPFrame 用gopacket序列化一个以太网/IPv4/TCP帧
func buildTCPFrame(t *testing.T, f tcpFrame) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x0c, 0x29, 0x01, 0x02, 0x03},
		DstMAC:       net.HardwareAddr{0x00, 0x0c, 0x29, 0x04, 0x05, 0x06},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(f.src).To4(),
		DstIP:    net.ParseIP(f.dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(f.srcPort),
		DstPort: layers.TCPPort(f.dstPort),
		PSH:     true,
		ACK:     true,
		FIN:     f.fin,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(f.payload)))
	return buf.Bytes()
}

func buildUDPFrame(t *testing.T, src, dst string, srcPort, dstPort uint16, payload string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x0c, 0x29, 0x01, 0x02, 0x03},
		DstMAC:       net.HardwareAddr{0x00, 0x0c, 0x29, 0x04, 0x05, 0x06},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Network.LocalPorts = []uint16{443}
	cfg.Network.LocalNetworks = []string{"10.0.0.0/8"}
	return cfg
}

func TestPayloadDecoderDecode(t *testing.T) {
	d, err := NewPayloadDecoder(testConfig())
	require.NoError(t, err)

	t.Run("入方向TCP", func(t *testing.T) {
		pkt := &types.Packet{RawData: buildTCPFrame(t, tcpFrame{
			src: "203.0.113.7", dst: "10.1.2.3", srcPort: 51000, dstPort: 8080, payload: "GET / HTTP/1.1",
		})}
		require.NoError(t, d.Decode(pkt))
		assert.Equal(t, "TCP", pkt.Protocol)
		assert.Equal(t, types.InBound, pkt.Direction)
		assert.Equal(t, types.Port(8080), pkt.OurPort)
		assert.Equal(t, types.Port(51000), pkt.TheirPort)
		assert.Equal(t, []byte("GET / HTTP/1.1"), pkt.Payload)
		assert.False(t, pkt.ConnClosed)
	})

	t.Run("出方向TCP带FIN", func(t *testing.T) {
		pkt := &types.Packet{RawData: buildTCPFrame(t, tcpFrame{
			src: "192.168.0.5", dst: "198.51.100.1", srcPort: 40000, dstPort: 80, fin: true, payload: "bye",
		})}
		require.NoError(t, d.Decode(pkt))
		assert.Equal(t, types.OutBound, pkt.Direction)
		assert.Equal(t, types.Port(40000), pkt.OurPort)
		assert.Equal(t, types.Port(80), pkt.TheirPort)
		assert.True(t, pkt.ConnClosed)
	})

	t.Run("本端端口判定入方向的IPv6 UDP", func(t *testing.T) {
		pkt := &types.Packet{RawData: buildUDPFrame(t, "2001:db8::1", "2001:db8::2", 5353, 443, "quic")}
		require.NoError(t, d.Decode(pkt))
		assert.Equal(t, "UDP", pkt.Protocol)
		assert.Equal(t, types.InBound, pkt.Direction)
		assert.Equal(t, types.Port(443), pkt.OurPort)
		assert.Equal(t, []byte("quic"), pkt.Payload)
	})

	t.Run("无法解码", func(t *testing.T) {
		assert.Error(t, d.Decode(&types.Packet{RawData: []byte{0x01, 0x02}}))
	})
}

func TestConnectionKeyIsSymmetric(t *testing.T) {
	a := net.ParseIP("10.0.0.1")
	b := net.ParseIP("10.0.0.2")
	assert.Equal(t,
		ConnectionKey("TCP", a, 1234, b, 80),
		ConnectionKey("TCP", b, 80, a, 1234))
	assert.NotEqual(t,
		ConnectionKey("TCP", a, 1234, b, 80),
		ConnectionKey("UDP", a, 1234, b, 80))
}

func TestRuleEngineInspectTracksFlows(t *testing.T) {
	e := mustEngine(t, `
ACCEPT FLOWS("login") : IN : "USER";
DROP("after login") : IN : SET("login") "RETR";
`, Options{})
	stage := NewRuleEngine(e, nil, 1)

	conn := "TCP|10.0.0.1:21|203.0.113.9:50000"
	retr := &types.Packet{ConnKey: conn, Direction: types.InBound, Payload: []byte("RETR secret")}
	stage.Inspect(retr)
	assert.False(t, retr.Effects.Action.IsSet())

	user := &types.Packet{ConnKey: conn, Direction: types.InBound, Payload: []byte("USER bob")}
	stage.Inspect(user)
	assert.Equal(t, []string{"login"}, user.Effects.FlowSets)
	assert.True(t, stage.Flows().Active(conn).Has("login"))

	retr = &types.Packet{ConnKey: conn, Direction: types.InBound, Payload: []byte("RETR secret"), ConnClosed: true}
	stage.Inspect(retr)
	assert.Equal(t, types.Drop("after login"), retr.Effects.Action)
	assert.Nil(t, stage.Flows().Active(conn))

	// 其他连接不受影响
	other := &types.Packet{ConnKey: "TCP|other", Direction: types.InBound, Payload: []byte("RETR")}
	stage.Inspect(other)
	assert.False(t, other.Effects.Action.IsSet())
}

func runStages(t *testing.T, packets []*types.Packet, stages ...interface {
	Process(context.Context, <-chan *types.Packet, *sync.WaitGroup) (<-chan *types.Packet, error)
}) []*types.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := make(chan *types.Packet, len(packets))
	for _, p := range packets {
		in <- p
	}
	close(in)

	var wg sync.WaitGroup
	var out <-chan *types.Packet = in
	for _, s := range stages {
		next, err := s.Process(ctx, out, &wg)
		require.NoError(t, err)
		out = next
	}

	var got []*types.Packet
	for p := range out {
		got = append(got, p)
	}
	wg.Wait()
	return got
}

// 多个worker时同一连接的数据包仍按顺序处理
func TestRuleEngineProcessKeepsPerConnectionOrder(t *testing.T) {
	e := mustEngine(t, `
TAGS("first") FLOWS("step1") : IN : "one";
ALERT("ordered") : IN : SET("step1") "two";
`, Options{})
	stage := NewRuleEngine(e, flowbits.NewStore(), 4)
	m := &metrics.ProcessorMetrics{}
	stage.SetMetrics(m)

	var packets []*types.Packet
	for c := 0; c < 20; c++ {
		conn := fmt.Sprintf("TCP|conn-%d", c)
		packets = append(packets,
			&types.Packet{ID: conn + "-1", ConnKey: conn, Direction: types.InBound, Payload: []byte("one")},
			&types.Packet{ID: conn + "-2", ConnKey: conn, Direction: types.InBound, Payload: []byte("two")},
		)
	}

	got := runStages(t, packets, stage)
	require.Len(t, got, len(packets))
	alerts := 0
	for _, p := range got {
		if p.Effects.Action.Kind == types.ActionAlert {
			alerts++
		}
	}
	assert.Equal(t, 20, alerts)
	assert.Equal(t, uint64(40), m.ProcessedPackets)
	assert.Equal(t, uint64(40), m.RuleMatched)
}

func TestDecodeEvaluateDecideStages(t *testing.T) {
	cfg := testConfig()
	decoder, err := NewPayloadDecoder(cfg)
	require.NoError(t, err)
	e := mustEngine(t, `DROP("bad") TAGS("mal") : OUT(,8080) : "evil";
ACCEPT : IN(443) : "GET";`, Options{Prefilter: true})
	policy, err := verdict.NewPolicy("ALERT", nil, nil)
	require.NoError(t, err)

	packets := []*types.Packet{
		{ID: "1", RawData: buildTCPFrame(t, tcpFrame{src: "203.0.113.7", dst: "10.0.0.1", srcPort: 50000, dstPort: 443, payload: "GET / HTTP/1.1"})},
		{ID: "2", RawData: buildTCPFrame(t, tcpFrame{src: "10.0.0.1", dst: "198.51.100.3", srcPort: 41000, dstPort: 8080, payload: "so evil"})},
		{ID: "3", RawData: []byte("garbage")},
		{ID: "4", RawData: buildTCPFrame(t, tcpFrame{src: "10.0.0.1", dst: "198.51.100.3", srcPort: 41000, dstPort: 25, payload: "HELO"})},
	}

	got := runStages(t, packets, decoder, NewRuleEngine(e, nil, 2), NewVerdictStage(policy))
	require.Len(t, got, 3)

	byID := map[string]*types.Packet{}
	for _, p := range got {
		require.NotNil(t, p.Decision)
		byID[p.ID] = p
	}
	assert.Equal(t, "ACCEPT", byID["1"].Decision.VerdictName)
	assert.True(t, byID["1"].Decision.Explicit)
	assert.Equal(t, "DROP", byID["2"].Decision.VerdictName)
	assert.Equal(t, "bad", byID["2"].Decision.Message)
	assert.Equal(t, []string{"mal"}, byID["2"].Decision.Tags)
	assert.Equal(t, "ALERT", byID["4"].Decision.VerdictName)
	assert.False(t, byID["4"].Decision.Explicit)
}
