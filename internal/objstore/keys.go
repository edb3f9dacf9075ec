package objstore

import (
	"fmt"
	"strings"
)

// ResultKeys returns the object keys of a job's annotated result and its log.
// The base name is the input file name up to its first dot.
func ResultKeys(prefix, userID, jobID, inputFileName string) (resultKey, logKey string) {
	name, _, _ := strings.Cut(inputFileName, ".")
	base := fmt.Sprintf("%s%s/%s~%s", prefix, userID, jobID, name)
	return base + ".annot.vcf", base + ".vcf.count.log"
}

// ResultFileNames returns the local file names the annotation tool writes
// for an input file.
func ResultFileNames(inputFileName string) (resultFile, logFile string) {
	name, _, _ := strings.Cut(inputFileName, ".")
	return name + ".annot.vcf", name + ".vcf.count.log"
}
