package perw

// Checksum returns the CheckSum stored in the optional header and the value
// computed over the region the way the image loader does it.
func (img *Image) Checksum() (stored, computed uint32, err error) {
	data, err := img.region.Bytes()
	if err != nil {
		return 0, 0, err
	}
	field := img.optionalOffset + 64
	// the CheckSum field sums as zero wherever it falls relative to the
	// 16-bit words
	at := func(i uint64) uint64 {
		if i >= field && i-field < 4 {
			return 0
		}
		return uint64(data[i])
	}

	var sum uint64
	n := uint64(len(data))
	for i := uint64(0); i+1 < n; i += 2 {
		sum += at(i) | at(i+1)<<8
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if n%2 == 1 {
		sum += at(n - 1)
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)

	return img.Optional.CheckSum, uint32(sum) + uint32(n), nil
}
