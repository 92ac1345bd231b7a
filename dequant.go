package snapllm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dequantize expands a quantized tensor payload into dst, which must
// hold exactly elemCount float32 values. The src length must match the
// type's block layout for elemCount elements.
func Dequantize(t GGMLType, src []byte, dst []float32) error {
	tt, ok := t.Trait()
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnsupported, t)
	}

	n := uint64(len(dst))
	if n%tt.BlockSize != 0 {
		return fmt.Errorf("%w: %d elements not a multiple of %v block size %d",
			ErrInvalidInput, n, t, tt.BlockSize)
	}
	if want := n / tt.BlockSize * tt.TypeSize; uint64(len(src)) != want {
		return fmt.Errorf("%w: %v payload is %d bytes, want %d",
			ErrInvalidInput, t, len(src), want)
	}

	switch t {
	case GGMLTypeF32:
		dequantizeF32(src, dst)
	case GGMLTypeF16:
		dequantizeF16(src, dst)
	case GGMLTypeBF16:
		dequantizeBF16(src, dst)
	case GGMLTypeQ4_0:
		dequantizeQ4_0(src, dst)
	case GGMLTypeQ4_1:
		dequantizeQ4_1(src, dst)
	case GGMLTypeQ5_0:
		dequantizeQ5_0(src, dst)
	case GGMLTypeQ5_1:
		dequantizeQ5_1(src, dst)
	case GGMLTypeQ8_0:
		dequantizeQ8_0(src, dst)
	case GGMLTypeMXFP4:
		dequantizeMXFP4(src, dst)
	case GGMLTypeQ2_K:
		dequantizeQ2_K(src, dst)
	case GGMLTypeQ3_K:
		dequantizeQ3_K(src, dst)
	case GGMLTypeQ4_K:
		dequantizeQ4_K(src, dst)
	case GGMLTypeQ5_K:
		dequantizeQ5_K(src, dst)
	case GGMLTypeQ6_K:
		dequantizeQ6_K(src, dst)
	default:
		return fmt.Errorf("%w: no dequantizer for %v", ErrUnsupported, t)
	}
	return nil
}

// CanDequantize reports whether the engine carries a dequantizer for t.
func CanDequantize(t GGMLType) bool {
	switch t {
	case GGMLTypeF32, GGMLTypeF16, GGMLTypeBF16,
		GGMLTypeQ4_0, GGMLTypeQ4_1, GGMLTypeQ5_0, GGMLTypeQ5_1,
		GGMLTypeQ8_0, GGMLTypeMXFP4,
		GGMLTypeQ2_K, GGMLTypeQ3_K, GGMLTypeQ4_K, GGMLTypeQ5_K, GGMLTypeQ6_K:
		return true
	}
	return false
}

// Scalar widenings.

func f32frombits(u uint32) float32 { return math.Float32frombits(u) }
func f64frombits(u uint64) float64 { return math.Float64frombits(u) }

// f16to32 widens an IEEE half-precision value.
func f16to32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: renormalize.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}

// bf16to32 widens a bfloat16 value.
func bf16to32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

func dequantizeF32(src []byte, dst []float32) {
	for i := range dst {
		dst[i] = f32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

func dequantizeF16(src []byte, dst []float32) {
	for i := range dst {
		dst[i] = f16to32(binary.LittleEndian.Uint16(src[i*2:]))
	}
}

func dequantizeBF16(src []byte, dst []float32) {
	for i := range dst {
		dst[i] = bf16to32(binary.LittleEndian.Uint16(src[i*2:]))
	}
}

// 32-element block formats. Per block: an f16 scale (plus an f16 minimum
// for the _1 variants), then packed mantissas. MXFP4 blocks carry a
// one-byte E8M0 exponent in place of the f16 scale.

const blockQK = 32

func dequantizeQ4_0(src []byte, dst []float32) {
	nb := len(dst) / blockQK
	for i := 0; i < nb; i++ {
		b := src[i*18:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		qs := b[2:18]
		for j := 0; j < 16; j++ {
			x0 := int8(qs[j]&0x0f) - 8
			x1 := int8(qs[j]>>4) - 8
			dst[i*blockQK+j] = float32(x0) * d
			dst[i*blockQK+j+16] = float32(x1) * d
		}
	}
}

func dequantizeQ4_1(src []byte, dst []float32) {
	nb := len(dst) / blockQK
	for i := 0; i < nb; i++ {
		b := src[i*20:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		m := f16to32(binary.LittleEndian.Uint16(b[2:]))
		qs := b[4:20]
		for j := 0; j < 16; j++ {
			dst[i*blockQK+j] = float32(qs[j]&0x0f)*d + m
			dst[i*blockQK+j+16] = float32(qs[j]>>4)*d + m
		}
	}
}

func dequantizeQ5_0(src []byte, dst []float32) {
	nb := len(dst) / blockQK
	for i := 0; i < nb; i++ {
		b := src[i*22:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		qh := binary.LittleEndian.Uint32(b[2:])
		qs := b[6:22]
		for j := 0; j < 16; j++ {
			xh0 := uint8((qh>>j)<<4) & 0x10
			xh1 := uint8(qh>>(j+12)) & 0x10
			x0 := int32(qs[j]&0x0f|xh0) - 16
			x1 := int32(qs[j]>>4|xh1) - 16
			dst[i*blockQK+j] = float32(x0) * d
			dst[i*blockQK+j+16] = float32(x1) * d
		}
	}
}

func dequantizeQ5_1(src []byte, dst []float32) {
	nb := len(dst) / blockQK
	for i := 0; i < nb; i++ {
		b := src[i*24:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		m := f16to32(binary.LittleEndian.Uint16(b[2:]))
		qh := binary.LittleEndian.Uint32(b[4:])
		qs := b[8:24]
		for j := 0; j < 16; j++ {
			xh0 := uint8((qh>>j)<<4) & 0x10
			xh1 := uint8(qh>>(j+12)) & 0x10
			dst[i*blockQK+j] = float32(qs[j]&0x0f|xh0)*d + m
			dst[i*blockQK+j+16] = float32(qs[j]>>4|xh1)*d + m
		}
	}
}

func dequantizeQ8_0(src []byte, dst []float32) {
	nb := len(dst) / blockQK
	for i := 0; i < nb; i++ {
		b := src[i*34:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		qs := b[2:34]
		for j := 0; j < blockQK; j++ {
			dst[i*blockQK+j] = float32(int8(qs[j])) * d
		}
	}
}

// _MXFP4Values is the FP4 (E2M1) code book, already doubled; the block
// scale is halved to compensate.
var _MXFP4Values = [16]float32{0, 1, 2, 3, 4, 6, 8, 12, 0, -1, -2, -3, -4, -6, -8, -12}

// e8m0Half decodes an E8M0 shared exponent to 2^(e-127)/2.
func e8m0Half(e uint8) float32 {
	if e == 0 {
		return math.Float32frombits(0x00400000)
	}
	return math.Float32frombits(uint32(e-1) << 23)
}

func dequantizeMXFP4(src []byte, dst []float32) {
	nb := len(dst) / blockQK
	for i := 0; i < nb; i++ {
		b := src[i*17:]
		d := e8m0Half(b[0])
		qs := b[1:17]
		for j := 0; j < 16; j++ {
			dst[i*blockQK+j] = _MXFP4Values[qs[j]&0x0f] * d
			dst[i*blockQK+j+16] = _MXFP4Values[qs[j]>>4] * d
		}
	}
}

// 256-element superblock formats with hierarchical sub-block scales.

const blockQKK = 256

func dequantizeQ2_K(src []byte, dst []float32) {
	nb := len(dst) / blockQKK
	for i := 0; i < nb; i++ {
		b := src[i*84:]
		scales := b[0:16]
		qs := b[16:80]
		d := f16to32(binary.LittleEndian.Uint16(b[80:]))
		min := f16to32(binary.LittleEndian.Uint16(b[82:]))

		y := dst[i*blockQKK:]
		is, q := 0, 0
		for n := 0; n < blockQKK; n += 128 {
			shift := uint(0)
			for j := 0; j < 4; j++ {
				sc := scales[is]
				is++
				dl, ml := d*float32(sc&0xf), min*float32(sc>>4)
				for l := 0; l < 16; l++ {
					y[n+j*32+l] = dl*float32((qs[q+l]>>shift)&3) - ml
				}
				sc = scales[is]
				is++
				dl, ml = d*float32(sc&0xf), min*float32(sc>>4)
				for l := 0; l < 16; l++ {
					y[n+j*32+16+l] = dl*float32((qs[q+16+l]>>shift)&3) - ml
				}
				shift += 2
			}
			q += 32
		}
	}
}

func dequantizeQ3_K(src []byte, dst []float32) {
	const kmask1, kmask2 = uint32(0x03030303), uint32(0x0f0f0f0f)

	nb := len(dst) / blockQKK
	for i := 0; i < nb; i++ {
		b := src[i*110:]
		hmask := b[0:32]
		qs := b[32:96]
		rawScales := b[96:108]
		d := f16to32(binary.LittleEndian.Uint16(b[108:]))

		// Unpack the 12 packed bytes into 16 signed 6-bit scales.
		var aux [4]uint32
		aux[0] = binary.LittleEndian.Uint32(rawScales[0:])
		aux[1] = binary.LittleEndian.Uint32(rawScales[4:])
		tmp := binary.LittleEndian.Uint32(rawScales[8:])
		aux[2] = (aux[0] >> 4 & kmask2) | ((tmp >> 4 & kmask1) << 4)
		aux[3] = (aux[1] >> 4 & kmask2) | ((tmp >> 6 & kmask1) << 4)
		aux[0] = (aux[0] & kmask2) | ((tmp & kmask1) << 4)
		aux[1] = (aux[1] & kmask2) | ((tmp >> 2 & kmask1) << 4)

		var scales [16]int8
		for j := 0; j < 4; j++ {
			scales[j*4+0] = int8(aux[j])
			scales[j*4+1] = int8(aux[j] >> 8)
			scales[j*4+2] = int8(aux[j] >> 16)
			scales[j*4+3] = int8(aux[j] >> 24)
		}

		y := dst[i*blockQKK:]
		m := uint8(1)
		is, q := 0, 0
		for n := 0; n < blockQKK; n += 128 {
			shift := uint(0)
			for j := 0; j < 4; j++ {
				dl := d * float32(int32(scales[is])-32)
				is++
				for l := 0; l < 16; l++ {
					v := int32((qs[q+l] >> shift) & 3)
					if hmask[l]&m == 0 {
						v -= 4
					}
					y[n+j*32+l] = dl * float32(v)
				}
				dl = d * float32(int32(scales[is])-32)
				is++
				for l := 0; l < 16; l++ {
					v := int32((qs[q+16+l] >> shift) & 3)
					if hmask[16+l]&m == 0 {
						v -= 4
					}
					y[n+j*32+16+l] = dl * float32(v)
				}
				shift += 2
				m <<= 1
			}
			q += 32
		}
	}
}

// scaleMinK4 extracts the j-th 6-bit (scale, min) pair of a K-quant
// superblock from its 12 packed bytes.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	return (q[j+4] & 0xf) | (q[j-4]>>6)<<4, q[j+4]>>4 | (q[j]>>6)<<4
}

func dequantizeQ4_K(src []byte, dst []float32) {
	nb := len(dst) / blockQKK
	for i := 0; i < nb; i++ {
		b := src[i*144:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		min := f16to32(binary.LittleEndian.Uint16(b[2:]))
		scales := b[4:16]
		qs := b[16:144]

		y := dst[i*blockQKK:]
		is, q := 0, 0
		for j := 0; j < blockQKK; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), min*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), min*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(qs[q+l]&0xf) - m1
			}
			for l := 0; l < 32; l++ {
				y[j+32+l] = d2*float32(qs[q+l]>>4) - m2
			}
			q += 32
			is += 2
		}
	}
}

func dequantizeQ5_K(src []byte, dst []float32) {
	nb := len(dst) / blockQKK
	for i := 0; i < nb; i++ {
		b := src[i*176:]
		d := f16to32(binary.LittleEndian.Uint16(b))
		min := f16to32(binary.LittleEndian.Uint16(b[2:]))
		scales := b[4:16]
		qh := b[16:48]
		ql := b[48:176]

		y := dst[i*blockQKK:]
		is, q := 0, 0
		u1, u2 := uint8(1), uint8(2)
		for j := 0; j < blockQKK; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), min*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), min*float32(m)
			for l := 0; l < 32; l++ {
				v := float32(ql[q+l] & 0xf)
				if qh[l]&u1 != 0 {
					v += 16
				}
				y[j+l] = d1*v - m1
			}
			for l := 0; l < 32; l++ {
				v := float32(ql[q+l] >> 4)
				if qh[l]&u2 != 0 {
					v += 16
				}
				y[j+32+l] = d2*v - m2
			}
			q += 32
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
}

func dequantizeQ6_K(src []byte, dst []float32) {
	nb := len(dst) / blockQKK
	for i := 0; i < nb; i++ {
		b := src[i*210:]
		ql := b[0:128]
		qh := b[128:192]
		scales := b[192:208]
		d := f16to32(binary.LittleEndian.Uint16(b[208:]))

		y := dst[i*blockQKK:]
		lq, lh, ls := 0, 0, 0
		for n := 0; n < blockQKK; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int32(ql[lq+l]&0xf|(qh[lh+l]>>0&3)<<4) - 32
				q2 := int32(ql[lq+32+l]&0xf|(qh[lh+l]>>2&3)<<4) - 32
				q3 := int32(ql[lq+l]>>4|(qh[lh+l]>>4&3)<<4) - 32
				q4 := int32(ql[lq+32+l]>>4|(qh[lh+l]>>6&3)<<4) - 32
				y[n+l] = d * float32(int32(int8(scales[ls+is]))*q1)
				y[n+32+l] = d * float32(int32(int8(scales[ls+is+2]))*q2)
				y[n+64+l] = d * float32(int32(int8(scales[ls+is+4]))*q3)
				y[n+96+l] = d * float32(int32(int8(scales[ls+is+6]))*q4)
			}
			lq += 64
			lh += 32
			ls += 8
		}
	}
}
