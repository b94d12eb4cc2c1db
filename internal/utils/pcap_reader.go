package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtp"
)

// PayloadTypePCMU RTP中G.711 μ-law的负载类型
const PayloadTypePCMU = 0

// ULawFrameSize 20ms的8kHz μ-law数据
const ULawFrameSize = 160

// PCAPReader 从抓包文件中读取RTP音频
type PCAPReader struct {
	filename string
	file     *os.File
}

// NewPCAPReader 创建新的PCAP读取器
func NewPCAPReader(filename string) (*PCAPReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("打开PCAP文件失败: %w", err)
	}
	return &PCAPReader{filename: filename, file: f}, nil
}

// Close 关闭PCAP读取器
func (r *PCAPReader) Close() {
	if r.file != nil {
		r.file.Close()
	}
}

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// openSource 依次尝试pcap与pcapng格式
func (r *PCAPReader) openSource() (packetSource, error) {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("重新定位PCAP文件失败: %w", err)
	}
	if src, err := pcapgo.NewReader(bufio.NewReader(r.file)); err == nil {
		return src, nil
	}

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("重新定位PCAP文件失败: %w", err)
	}
	src, err := pcapgo.NewNgReader(bufio.NewReader(r.file), pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("无法识别的抓包格式 %s: %w", r.filename, err)
	}
	return src, nil
}

// ReadRTP 读取第一条指定负载类型的RTP流，payloadType为负数时不过滤
func (r *PCAPReader) ReadRTP(payloadType int) ([]rtp.Packet, error) {
	src, err := r.openSource()
	if err != nil {
		return nil, err
	}

	var (
		packets []rtp.Packet
		ssrc    uint32
		locked  bool
	)
	ps := gopacket.NewPacketSource(src, src.LinkType())
	for packet := range ps.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}

		var p rtp.Packet
		if err := p.Unmarshal(udp.Payload); err != nil || p.Version != 2 {
			continue
		}
		if payloadType >= 0 && int(p.PayloadType) != payloadType {
			continue
		}
		if !locked {
			ssrc, locked = p.SSRC, true
		}
		if p.SSRC != ssrc {
			continue
		}
		p.Payload = append([]byte(nil), p.Payload...)
		packets = append(packets, p)
	}
	return packets, nil
}

// ULawFrames 拼接RTP负载并按frameSize切分，末尾不足一帧的部分用静音补齐
func ULawFrames(packets []rtp.Packet, frameSize int) [][]byte {
	if frameSize <= 0 {
		frameSize = ULawFrameSize
	}
	var audio []byte
	for _, p := range packets {
		audio = append(audio, p.Payload...)
	}

	var frames [][]byte
	for len(audio) > 0 {
		n := frameSize
		if len(audio) < n {
			n = len(audio)
		}
		frame := make([]byte, frameSize)
		copy(frame, audio[:n])
		for i := n; i < frameSize; i++ {
			frame[i] = ULawSilence
		}
		frames = append(frames, frame)
		audio = audio[n:]
	}
	return frames
}

// ULawSilence μ-law编码的静音字节
const ULawSilence byte = 0xFF

// SilenceFrames 生成n帧静音
func SilenceFrames(n, frameSize int) [][]byte {
	if frameSize <= 0 {
		frameSize = ULawFrameSize
	}
	frames := make([][]byte, n)
	for i := range frames {
		frame := make([]byte, frameSize)
		for j := range frame {
			frame[j] = ULawSilence
		}
		frames[i] = frame
	}
	return frames
}
