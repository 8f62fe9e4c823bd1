package ingest

// Bitrates in kbit/s indexed by header bitrate index, for Layer III.
var (
	mpeg1Layer3 = [16]int64{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mpeg2Layer3 = [16]int64{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}
)

// mp3Bitrate returns the bitrate in bit/s of the first Layer III frame after
// any ID3v2 tag, or 0 when none is found within the first 64 KiB.
func mp3Bitrate(data []byte) int64 {
	offset := 0
	if len(data) >= 10 && string(data[:3]) == "ID3" {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		offset = 10 + size
		if data[5]&0x10 != 0 {
			offset += 10
		}
	}
	limit := min(len(data)-3, offset+64*1024)
	for i := offset; i < limit; i++ {
		if data[i] != 0xff || data[i+1]&0xe0 != 0xe0 {
			continue
		}
		version := (data[i+1] >> 3) & 0x03
		layer := (data[i+1] >> 1) & 0x03
		index := data[i+2] >> 4
		if version == 0x01 || layer != 0x01 || index == 0 || index == 0x0f {
			continue
		}
		if (data[i+2]>>2)&0x03 == 0x03 {
			continue
		}
		if version == 0x03 {
			return mpeg1Layer3[index] * 1000
		}
		return mpeg2Layer3[index] * 1000
	}
	return 0
}
