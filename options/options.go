package options

var Opts struct {
	Version        bool   `short:"v" long:"version" description:"Show loxivport version"`
	LogLevel       string `long:"loglevel" description:"One of debug,info,error,warning,notice,critical,emergency,alert,trace" default:"debug"`
	LogFile        string `long:"logfile" description:"Log file to use" default:"/var/log/loxivport.log" env:"LOXIVPORT_LOG"`
	Datapath       string `long:"dp" description:"Name of the datapath" default:"ovs-system"`
	Workers        int    `short:"w" long:"workers" description:"Number of packet workers, 0 means one per cpu" default:"0"`
	Ports          string `long:"ports" description:"Comma-separated list of netdevs to attach" default:"none"`
	Internal       string `long:"internal" description:"Comma-separated list of internal ports to create" default:"none"`
	Vxlan          string `long:"vxlan" description:"Comma-separated list of vxlan ports as name:dstport" default:"none"`
	Gre            string `long:"gre" description:"Comma-separated list of gre ports" default:"none"`
	UpcallQLen     int    `long:"upcall-qlen" description:"Length of the upcall queue" default:"1024"`
	Prometheus     bool   `short:"p" long:"prometheus" description:"Run prometheus exporter"`
	PrometheusPort int    `long:"prometheus-port" description:"Port of the prometheus exporter" default:"11112"`
}
