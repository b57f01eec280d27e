package media

import (
	"bytes"
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	toneSampleRate = 8000 // G.711 sample rate, Hz
	toneFrameMs    = 20   // RTP packetization interval
	toneSamplesPer = toneSampleRate * toneFrameMs / 1000
)

// GenerateBeepPCMU renders a single-frequency tone as G.711 µ-law samples.
// Used for the voicemail-on-no-answer beep (spec calls for 1kHz/500ms)
// played to the caller before the recorder collaborator starts listening.
func GenerateBeepPCMU(freqHz float64, duration time.Duration) []byte {
	n := int(duration.Seconds() * toneSampleRate)
	pcm := make([]int16, n)
	for i := range pcm {
		t := float64(i) / toneSampleRate
		pcm[i] = int16(0.6 * math.MaxInt16 * math.Sin(2*math.Pi*freqHz*t))
	}

	buf := new(bytes.Buffer)
	buf.Grow(n * 2)
	_ = binary.Write(buf, binary.LittleEndian, pcm)

	return g711.EncodeUlaw(buf.Bytes())
}

// PlayTone streams a G.711 µ-law payload as RFC 3550 RTP packets to remote,
// paced in real time at one frame per toneFrameMs. It blocks until the
// payload has been fully sent or the write fails.
func PlayTone(conn *net.UDPConn, remote *net.UDPAddr, ulawPayload []byte, payloadType uint8, ssrc uint32) error {
	seq := uint16(0)
	timestamp := uint32(0)
	ticker := time.NewTicker(toneFrameMs * time.Millisecond)
	defer ticker.Stop()

	for offset := 0; offset < len(ulawPayload); offset += toneSamplesPer {
		end := offset + toneSamplesPer
		if end > len(ulawPayload) {
			end = len(ulawPayload)
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: seq,
				Timestamp:      timestamp,
				SSRC:           ssrc,
				Marker:         seq == 0,
			},
			Payload: ulawPayload[offset:end],
		}

		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if _, err := conn.WriteToUDP(raw, remote); err != nil {
			return err
		}

		seq++
		timestamp += uint32(end - offset)
		<-ticker.C
	}

	return nil
}
