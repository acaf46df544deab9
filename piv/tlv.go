package piv

// tlvEntry is one BER-TLV element: raw tag octets and value.
type tlvEntry struct {
	tag   []byte
	value []byte
}

// parseTLV walks a BER-TLV sequence. Tags continue past the first octet
// when its lower five bits are all set; lengths 0x81/0x82/0x83 introduce
// 1/2/3-octet big-endian lengths. Truncated elements end the walk.
func parseTLV(data []byte) []tlvEntry {
	var result []tlvEntry
	i := 0

	for i < len(data) {
		tag := []byte{data[i]}
		i++
		if tag[0]&0x1F == 0x1F {
			for i < len(data) && data[i]&0x80 != 0 {
				tag = append(tag, data[i])
				i++
			}
			if i < len(data) {
				tag = append(tag, data[i])
				i++
			}
		}

		if i >= len(data) {
			break
		}

		length := int(data[i])
		i++
		switch {
		case length < 0x80:
		case length == 0x81 && i < len(data):
			length = int(data[i])
			i++
		case length == 0x82 && i+1 < len(data):
			length = int(data[i])<<8 | int(data[i+1])
			i += 2
		case length == 0x83 && i+2 < len(data):
			length = int(data[i])<<16 | int(data[i+1])<<8 | int(data[i+2])
			i += 3
		default:
			return result
		}

		if i+length > len(data) {
			break
		}
		result = append(result, tlvEntry{tag: tag, value: data[i : i+length]})
		i += length
	}
	return result
}

// findTag returns the value of the first element with the given single
// tag octet.
func findTag(entries []tlvEntry, tag byte) ([]byte, bool) {
	for _, e := range entries {
		if len(e.tag) == 1 && e.tag[0] == tag {
			return e.value, true
		}
	}
	return nil, false
}

// extractCertificate digs the certificate out of a PIV data object: outer
// envelope tag 53, certificate at inner tag 70.
func extractCertificate(data []byte) []byte {
	outer, ok := findTag(parseTLV(data), 0x53)
	if !ok {
		return nil
	}
	cert, _ := findTag(parseTLV(outer), 0x70)
	return cert
}
