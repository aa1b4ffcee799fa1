package processor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/haolipeng/filter_engine/pkg/config"
	"github.com/haolipeng/filter_engine/pkg/metrics"
	"github.com/haolipeng/filter_engine/pkg/types"
	"github.com/sirupsen/logrus"
)

// DirectionResolver 根据本端端口和网段判断数据包方向
type DirectionResolver struct {
	ports    map[types.Port]struct{}
	networks []*net.IPNet
}

func NewDirectionResolver(cfg *config.Config) (*DirectionResolver, error) {
	nets, err := cfg.LocalNetworks()
	if err != nil {
		return nil, err
	}
	ports := make(map[types.Port]struct{}, len(cfg.Network.LocalPorts))
	for _, p := range cfg.Network.LocalPorts {
		ports[p] = struct{}{}
	}
	return &DirectionResolver{ports: ports, networks: nets}, nil
}

func (r *DirectionResolver) isLocal(ip net.IP, port types.Port) bool {
	if _, ok := r.ports[port]; ok {
		return true
	}
	for _, n := range r.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve 目的端是本端时为入方向，否则视为本端发出
func (r *DirectionResolver) Resolve(pkt *types.Packet) {
	if r.isLocal(pkt.DstIP, pkt.DstPort) {
		pkt.Direction = types.InBound
		pkt.OurPort, pkt.TheirPort = pkt.DstPort, pkt.SrcPort
		return
	}
	pkt.Direction = types.OutBound
	pkt.OurPort, pkt.TheirPort = pkt.SrcPort, pkt.DstPort
}

// ConnectionKey 两个方向的数据包得到相同的连接标识
func ConnectionKey(proto string, srcIP net.IP, srcPort types.Port, dstIP net.IP, dstPort types.Port) string {
	a := net.JoinHostPort(srcIP.String(), fmt.Sprint(srcPort))
	b := net.JoinHostPort(dstIP.String(), fmt.Sprint(dstPort))
	if b < a {
		a, b = b, a
	}
	return proto + "|" + a + "|" + b
}

// PayloadDecoder 解码链路层到传输层，提取应用层负载
// 单个goroutine解码，保证同一连接的数据包顺序不变
type PayloadDecoder struct {
	resolver   *DirectionResolver
	firstLayer gopacket.LayerType
	metrics    *metrics.ProcessorMetrics
}

func NewPayloadDecoder(cfg *config.Config) (*PayloadDecoder, error) {
	resolver, err := NewDirectionResolver(cfg)
	if err != nil {
		return nil, err
	}
	return &PayloadDecoder{
		resolver:   resolver,
		firstLayer: layers.LayerTypeEthernet,
		metrics:    &metrics.ProcessorMetrics{},
	}, nil
}

// SetLinkType 按抓包文件的链路类型选择第一层解码器
func (d *PayloadDecoder) SetLinkType(lt layers.LinkType) {
	d.firstLayer = lt.LayerType()
}

func (d *PayloadDecoder) SetMetrics(m *metrics.ProcessorMetrics) {
	d.metrics = m
}

func (d *PayloadDecoder) Stage() types.Stage {
	return types.StagePayloadDecoding
}

func (d *PayloadDecoder) Name() string {
	return "PayloadDecoder"
}

func (d *PayloadDecoder) CheckReady() error {
	if d.resolver == nil {
		return types.ErrProcessorNotReady
	}
	return nil
}

func (d *PayloadDecoder) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 1000)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Payload decoder stopping due to context cancellation")
				return
			case packet, ok := <-in:
				if !ok {
					logrus.Debug("Payload decoder: input channel closed")
					return
				}
				if packet == nil {
					continue
				}

				start := time.Now()
				if err := d.Decode(packet); err != nil {
					d.metrics.IncrementDecodeErrors()
					d.metrics.IncrementDropped()
					logrus.WithFields(logrus.Fields{
						"packet_id": packet.ID,
						"error":     err.Error(),
					}).Debug("跳过无法解码的数据包")
					continue
				}
				d.metrics.IncrementProcessed()
				d.metrics.AddProcessingTime(time.Since(start))

				select {
				case out <- packet:
				case <-ctx.Done():
					logrus.Warn("Payload decoder: context cancelled while sending packet")
					return
				}
			}
		}
	}()

	return out, nil
}

// Decode 填充地址、端口、负载、连接标识和方向
func (d *PayloadDecoder) Decode(packet *types.Packet) error {
	parsed := gopacket.NewPacket(packet.RawData, d.firstLayer, gopacket.Default)

	switch ip := parsed.NetworkLayer().(type) {
	case *layers.IPv4:
		packet.SrcIP, packet.DstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		packet.SrcIP, packet.DstIP = ip.SrcIP, ip.DstIP
	default:
		return fmt.Errorf("no IP layer")
	}

	switch l4 := parsed.TransportLayer().(type) {
	case *layers.TCP:
		packet.Protocol = "TCP"
		packet.SrcPort, packet.DstPort = types.Port(l4.SrcPort), types.Port(l4.DstPort)
		packet.Payload = l4.Payload
		packet.ConnClosed = l4.FIN || l4.RST
	case *layers.UDP:
		packet.Protocol = "UDP"
		packet.SrcPort, packet.DstPort = types.Port(l4.SrcPort), types.Port(l4.DstPort)
		packet.Payload = l4.Payload
	default:
		return fmt.Errorf("no TCP or UDP layer")
	}

	packet.ConnKey = ConnectionKey(packet.Protocol, packet.SrcIP, packet.SrcPort, packet.DstIP, packet.DstPort)
	d.resolver.Resolve(packet)
	return nil
}
