package pipeline

import (
	"fmt"
	"math/bits"
)

const (
	configurationWorker = "km_configuration"
	repartitionWorker   = "km_minim_repart"
	superkWorker        = "km_reads_to_superk"
	countWorker         = "km_superk_to_kmer_counts"
	mergeWorker         = "km_merge_within_partitions"
	splitWorker         = "km_output_convert"

	countBinary = "km_superk_to_kmer_counts"
	mergeBinary = "km_merge_within_partition"
)

// Variant returns the k and c template sizes a build must provide for
// k-mers of kmerSize and counts up to maxCount: k is the smallest power of
// two at least 2*kmerSize, c the smallest power of two at least half the
// number of bits needed for maxCount.
func Variant(kmerSize, maxCount int) (k, c int) {
	k = 1 << bits.Len(uint(2*kmerSize-1))
	countBits := bits.Len(uint(maxCount))
	c = 1 << bits.Len(uint(countBits-1))
	return k, c
}

// CountBinary is the count worker built for kmerSize and maxCount.
func CountBinary(kmerSize, maxCount int) string {
	k, c := Variant(kmerSize, maxCount)
	return fmt.Sprintf("%s-k%dc%d", countBinary, k, c)
}

// MergeBinary is the merge worker built for kmerSize and maxCount.
func MergeBinary(kmerSize, maxCount int) string {
	k, c := Variant(kmerSize, maxCount)
	return fmt.Sprintf("%s-k%dc%d", mergeBinary, k, c)
}
