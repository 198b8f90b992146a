package tensor_test

import (
	"math"
	"testing"

	"github.com/matryer/is"

	"github.com/MrWong99/pitchoverlay/pkg/pitch/tensor"
)

func TestNew(t *testing.T) {
	is := is.New(t)
	x := tensor.New(4, 3)
	is.Equal(x.Len(), 12)
	is.Equal(x.Rank(), 2)
	is.Equal(x.Dim(1), 3)
	is.Equal(x.Shape().String(), "[4 3]")
}

func TestFromSlice_Mismatch(t *testing.T) {
	is := is.New(t)
	_, err := tensor.FromSlice(make([]float32, 5), 2, 3)
	is.True(err != nil)
	_, err = tensor.FromSlice(nil, 0)
	is.True(err != nil)
}

func TestAtSet_RowMajor(t *testing.T) {
	is := is.New(t)
	x, err := tensor.FromSlice([]float32{0, 1, 2, 3, 4, 5}, 2, 3)
	is.NoErr(err)
	is.Equal(x.At(1, 0), float32(3))
	x.Set(9, 0, 2)
	is.Equal(x.Data()[2], float32(9))
}

func TestReshape_SharesData(t *testing.T) {
	is := is.New(t)
	x := tensor.New(2, 3)
	y, err := x.Reshape(6)
	is.NoErr(err)
	y.Data()[4] = 7
	is.Equal(x.At(1, 1), float32(7))
	_, err = x.Reshape(5)
	is.True(err != nil)
}

func TestClone_Independent(t *testing.T) {
	is := is.New(t)
	x := tensor.New(3)
	c := x.Clone()
	c.Data()[0] = 1
	is.Equal(x.Data()[0], float32(0))
}

func TestFirstNonFinite(t *testing.T) {
	is := is.New(t)
	is.Equal(tensor.FirstNonFinite([]float32{1, 2, 3}), -1)
	is.Equal(tensor.FirstNonFinite([]float32{1, float32(math.NaN()), 3}), 1)
	is.Equal(tensor.FirstNonFinite([]float32{float32(math.Inf(-1))}), 0)
}

func TestShape(t *testing.T) {
	is := is.New(t)
	is.True(tensor.Shape{1024, 1}.Equal(tensor.Shape{1024, 1}))
	is.True(!tensor.Shape{1024, 1}.Equal(tensor.Shape{1024}))
	is.True(!tensor.Shape{3, 0}.Valid())
	is.True(!tensor.Shape{math.MaxInt/2 + 1, 2}.Valid()) // element count overflows int
	is.True(!tensor.Shape{2, math.MaxInt/4 + 1, 2}.Valid())
	is.True(tensor.Shape{math.MaxInt, 1}.Valid())
	is.Equal(tensor.Shape{}.Len(), 0)
}
