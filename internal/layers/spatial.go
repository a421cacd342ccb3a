package layers

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
)

// Born convolves and pools in 2D only. One and three dimensional variants
// are expressed through Conv2D/MaxPool2D plus constant selection matrices,
// so every step stays on the gradient tape.

// windows builds a [length, out*kernel] 0/1 matrix whose column o*kernel+j
// picks position o*stride+j-pad. Positions outside the input select nothing,
// which zero-pads both ends.
func windows(length, kernel, stride, pad int, b *device.Backend) (*device.Tensor, int) {
	out := (length+2*pad-kernel)/stride + 1
	data := make([]float32, length*out*kernel)
	cols := out * kernel
	for o := 0; o < out; o++ {
		for j := 0; j < kernel; j++ {
			row := o*stride + j - pad
			if row >= 0 && row < length {
				data[row*cols+o*kernel+j] = 1
			}
		}
	}
	return constant(data, tensor.Shape{length, cols}, b), out
}

// resizeMatrix builds a [from, to] matrix copying position i to i+offset.
func resizeMatrix(from, to, offset int, b *device.Backend) *device.Tensor {
	data := make([]float32, from*to)
	for i := 0; i < from; i++ {
		if j := i + offset; j >= 0 && j < to {
			data[i*to+j] = 1
		}
	}
	return constant(data, tensor.Shape{from, to}, b)
}

// PadAxis resizes axis to size, placing the existing values at offset and
// filling the rest with zeros.
func PadAxis(x *device.Tensor, axis, size, offset int) *device.Tensor {
	shape := x.Shape()
	if shape[axis] == size && offset == 0 {
		return x
	}
	rank := len(shape)
	perm := make([]int, 0, rank)
	for i := 0; i < rank; i++ {
		if i != axis {
			perm = append(perm, i)
		}
	}
	perm = append(perm, axis)
	inverse := make([]int, rank)
	for i, ax := range perm {
		inverse[ax] = i
	}

	moved := x
	if axis != rank-1 {
		moved = x.Transpose(perm...)
	}
	movedShape := moved.Shape()
	length := movedShape[rank-1]
	rows := moved.Reshape(numElements(movedShape)/length, length)
	resized := rows.MatMul(resizeMatrix(length, size, offset, x.Backend()))

	outShape := append([]int(nil), movedShape...)
	outShape[rank-1] = size
	out := resized.Reshape(outShape...)
	if axis != rank-1 {
		out = out.Transpose(inverse...)
	}
	return out
}

// conv1d convolves [N, C, L] with weight [O, C, k].
func conv1d(x, weight, bias *device.Tensor, stride, pad int) *device.Tensor {
	s := x.Shape()
	n, c, l := s[0], s[1], s[2]
	ws := weight.Shape()
	out, k := ws[0], ws[2]

	if pad > 0 {
		x = PadAxis(x, 2, l+2*pad, pad)
		l += 2 * pad
	}
	x4 := x.Reshape(n, c, 1, l)
	w4 := weight.Reshape(out, c, 1, k)
	y := conv2dRaw(x4, w4, stride, 0).Add(bias.Reshape(1, out, 1, 1))
	ys := y.Shape()
	return y.Reshape(n, out, ys[3])
}

// conv2d convolves [N, C, H, W] with weight [O, C, kh, kw].
func conv2d(x, weight, bias *device.Tensor, stride, pad int) *device.Tensor {
	out := weight.Shape()[0]
	return conv2dRaw(x, weight, stride, pad).Add(bias.Reshape(1, out, 1, 1))
}

// conv3d convolves [N, C, D, H, W] with weight [O, C, kd, kh, kw]. Each
// output depth gathers its kd input slices into the channel axis and runs a
// single Conv2D over the stacked batch.
func conv3d(x, weight, bias *device.Tensor, stride, pad int) *device.Tensor {
	s := x.Shape()
	n, c, d, h, w := s[0], s[1], s[2], s[3], s[4]
	ws := weight.Shape()
	out, kd := ws[0], ws[2]

	sel, dOut := windows(d, kd, stride, pad, x.Backend())
	gathered := x.Transpose(0, 1, 3, 4, 2).
		Reshape(n*c*h*w, d).
		MatMul(sel).
		Reshape(n, c, h, w, dOut, kd).
		Transpose(0, 4, 1, 5, 2, 3).
		Reshape(n*dOut, c*kd, h, w)

	w2 := weight.Reshape(out, c*kd, ws[3], ws[4])
	y := conv2dRaw(gathered, w2, stride, pad)
	ys := y.Shape()
	return y.Reshape(n, dOut, out, ys[2], ys[3]).
		Transpose(0, 2, 1, 3, 4).
		Add(bias.Reshape(1, out, 1, 1, 1))
}

func conv2dRaw(x, weight *device.Tensor, stride, pad int) *device.Tensor {
	b := x.Backend()
	return tensor.New[float32](b.Conv2D(x.Raw(), weight.Raw(), stride, pad), b)
}

func maxPool2dRaw(x *device.Tensor, k int) *device.Tensor {
	b := x.Backend()
	return tensor.New[float32](b.MaxPool2D(x.Raw(), k, k), b)
}

// pool1d max-pools [N, C, L] with window and stride k. The row is repeated
// k times so MaxPool2D sees a k x L plane.
func pool1d(x *device.Tensor, k int) *device.Tensor {
	s := x.Shape()
	n, c, l := s[0], s[1], s[2]
	b := x.Backend()
	repeated := x.Reshape(n*c*l, 1).
		MatMul(device.Constant(tensor.Shape{1, k}, 1, b)).
		Reshape(n, c, l, k).
		Transpose(0, 1, 3, 2)
	y := maxPool2dRaw(repeated, k)
	return y.Reshape(n, c, y.Shape()[3])
}

func pool2d(x *device.Tensor, k int) *device.Tensor {
	return maxPool2dRaw(x, k)
}

// pool3d max-pools [N, C, D, H, W] in two passes: every depth slice in 2D,
// then every (h, w) column in 1D along depth.
func pool3d(x *device.Tensor, k int) *device.Tensor {
	s := x.Shape()
	n, c, d, h, w := s[0], s[1], s[2], s[3], s[4]

	planes := maxPool2dRaw(x.Transpose(0, 2, 1, 3, 4).Reshape(n*d, c, h, w), k)
	ps := planes.Shape()
	ho, wo := ps[2], ps[3]

	columns := planes.Reshape(n, d, c, ho, wo).
		Transpose(0, 2, 3, 4, 1).
		Reshape(n*c*ho*wo, 1, d)
	pooled := pool1d(columns, k)
	do := pooled.Shape()[2]
	return pooled.Reshape(n, c, ho, wo, do).Transpose(0, 1, 4, 2, 3)
}
