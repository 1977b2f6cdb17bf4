package utils

import (
	"math/rand"

	"golang.org/x/exp/constraints"
)

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// GenerateUniqueInts returns count distinct integers from [minVal, maxVal].
// Small samples are drawn by rejection, dense ones by a partial Fisher-Yates
// shuffle of the whole range.
func GenerateUniqueInts[T constraints.Integer](
	count int,
	minVal, maxVal T,
	rng *rand.Rand,
) []T {
	if count <= 0 || maxVal < minVal {
		return []T{}
	}

	span := int(maxVal-minVal) + 1
	if count > span {
		count = span
	}

	if count*2 <= span {
		seen := make(map[T]struct{}, count)
		res := make([]T, 0, count)
		for len(res) < count {
			v := minVal + T(rng.Intn(span))
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			res = append(res, v)
		}

		return res
	}

	all := make([]T, span)
	for i := range span {
		all[i] = minVal + T(i)
	}
	for i := range count {
		j := i + rng.Intn(span-i)
		all[i], all[j] = all[j], all[i]
	}

	return all[:count]
}
